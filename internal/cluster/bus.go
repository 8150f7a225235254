// Package cluster keeps cooperating shield instances loosely in sync:
// a pub/sub bus carries heartbeats and custom broadcasts, and the
// coordinator derives membership and leadership from them. Delivery is
// best-effort; nothing here is correctness-critical.
package cluster

import (
	"context"
	"sync"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/shielderrors"
)

// Message is one delivery from the bus.
type Message struct {
	Channel string
	Payload []byte
}

// Handler consumes bus deliveries. Handlers must not block; slow
// consumers stall their own bus goroutine, not publishers.
type Handler func(Message)

// Bus is the pub/sub contract the coordinator runs on. Subscribe
// returns an unsubscribe function. Publishers may see their own
// messages echoed back; consumers filter by node id.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(channel string, fn Handler) (func(), error)
	Close() error
}

// NewBus builds the configured bus implementation.
func NewBus(cfg config.ClusterConfig) (Bus, error) {
	switch cfg.Bus {
	case "", "memory":
		return NewMemoryBus(), nil
	case "redis":
		return NewRedisBus(cfg.Redis), nil
	case "amqp":
		return NewAMQPBus(cfg.AMQP)
	default:
		return nil, shielderrors.New(shielderrors.CodeConfiguration,
			"unknown cluster bus").WithDetails(cfg.Bus)
	}
}

// MemoryBus is a process-local fanout, the default for single-instance
// deployments and tests. Multiple coordinators sharing one MemoryBus
// behave like a cluster inside one process.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]Handler
	nextID int
	closed bool
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]Handler)}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return shielderrors.New(shielderrors.CodeConfiguration, "bus is closed")
	}
	for _, fn := range b.subs[channel] {
		fn(Message{Channel: channel, Payload: payload})
	}
	return nil
}

func (b *MemoryBus) Subscribe(channel string, fn Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, shielderrors.New(shielderrors.CodeConfiguration, "bus is closed")
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subs[channel][id] = fn

	return func() {
		b.mu.Lock()
		delete(b.subs[channel], id)
		b.mu.Unlock()
	}, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.subs = make(map[string]map[int]Handler)
	b.closed = true
	b.mu.Unlock()
	return nil
}
