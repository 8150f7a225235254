package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/logging"
	"github.com/ali-master/shield/internal/shielderrors"
)

// RedisBus carries cluster traffic over Redis pub/sub. Each
// subscription owns a receive goroutine that resubscribes with
// exponential backoff when the connection drops.
type RedisBus struct {
	client redis.UniversalClient

	mu     sync.Mutex
	cancel []context.CancelFunc
	closed bool
}

// NewRedisBus connects a bus to Redis.
func NewRedisBus(cfg config.RedisConfig) *RedisBus {
	addrs := cfg.Addrs
	if len(addrs) == 0 {
		addrs = []string{"localhost:6379"}
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})
	return &RedisBus{client: client}
}

// NewRedisBusWithClient wraps an existing client so the bus can share
// the storage adapter's connection pool.
func NewRedisBusWithClient(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return shielderrors.Wrap(err, shielderrors.CodeStorage, "redis publish failed")
	}
	return nil
}

func (b *RedisBus) Subscribe(channel string, fn Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, shielderrors.New(shielderrors.CodeConfiguration, "bus is closed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = append(b.cancel, cancel)

	go b.receive(ctx, channel, fn)
	return cancel, nil
}

// receive consumes one subscription until ctx ends. A broken
// subscription is reopened with exponential backoff; messages published
// while disconnected are lost, which the heartbeat protocol tolerates.
func (b *RedisBus) receive(ctx context.Context, channel string, fn Handler) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // retry forever

	for ctx.Err() == nil {
		sub := b.client.Subscribe(ctx, channel)
		if _, err := sub.Receive(ctx); err != nil {
			sub.Close()
			if ctx.Err() != nil {
				return
			}
			wait := policy.NextBackOff()
			logging.Warn("redis bus subscribe failed, retrying",
				zap.String("channel", channel),
				zap.Duration("backoff", wait),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		policy.Reset()

		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				fn(Message{Channel: msg.Channel, Payload: []byte(msg.Payload)})
			}
		}
		sub.Close()
	}
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	cancels := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return b.client.Close()
}
