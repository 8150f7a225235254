package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/logging"
	"github.com/ali-master/shield/internal/shielderrors"
)

// AMQPBus carries cluster traffic over a fanout exchange. Every
// instance binds its own exclusive queue, so each broadcast reaches
// each instance once. The channel name travels as the routing key and
// is filtered on receive.
type AMQPBus struct {
	url      string
	exchange string

	mu   sync.Mutex
	conn *amqp091.Connection
	ch   *amqp091.Channel

	cancel []context.CancelFunc
	closed bool
}

// NewAMQPBus connects to the broker and declares the fanout exchange.
func NewAMQPBus(cfg config.AMQPConfig) (*AMQPBus, error) {
	if cfg.URL == "" {
		return nil, shielderrors.New(shielderrors.CodeConfiguration, "amqp bus requires a url")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "shield.cluster"
	}

	b := &AMQPBus{url: cfg.URL, exchange: exchange}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *AMQPBus) connect() error {
	conn, err := amqp091.Dial(b.url)
	if err != nil {
		return shielderrors.Wrap(err, shielderrors.CodeConfiguration, "amqp connect failed")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return shielderrors.Wrap(err, shielderrors.CodeConfiguration, "amqp channel failed")
	}
	if err := ch.ExchangeDeclare(b.exchange, "fanout", false, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return shielderrors.Wrap(err, shielderrors.CodeConfiguration, "amqp exchange declare failed")
	}

	b.conn = conn
	b.ch = ch
	return nil
}

func (b *AMQPBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	if ch == nil {
		return shielderrors.New(shielderrors.CodeConfiguration, "bus is closed")
	}

	err := ch.PublishWithContext(ctx, b.exchange, channel, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
	if err != nil {
		return shielderrors.Wrap(err, shielderrors.CodeStorage, "amqp publish failed")
	}
	return nil
}

func (b *AMQPBus) Subscribe(channel string, fn Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, shielderrors.New(shielderrors.CodeConfiguration, "bus is closed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = append(b.cancel, cancel)

	go b.consume(ctx, channel, fn)
	return cancel, nil
}

// consume binds a fresh exclusive queue and delivers until ctx ends,
// reconnecting with exponential backoff after broker failures.
func (b *AMQPBus) consume(ctx context.Context, channel string, fn Handler) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0

	for ctx.Err() == nil {
		deliveries, err := b.openConsumer()
		if err != nil {
			wait := policy.NextBackOff()
			logging.Warn("amqp bus consume failed, retrying",
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

	recv:
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					break recv // channel dropped, reconnect
				}
				if d.RoutingKey != channel {
					continue
				}
				fn(Message{Channel: channel, Payload: d.Body})
			}
		}
	}
}

func (b *AMQPBus) openConsumer() (<-chan amqp091.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		if err := b.connect(); err != nil {
			return nil, err
		}
	}

	q, err := b.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, err
	}
	if err := b.ch.QueueBind(q.Name, "", b.exchange, false, nil); err != nil {
		return nil, err
	}
	return b.ch.Consume(q.Name, "", true, true, false, false, nil)
}

func (b *AMQPBus) Close() error {
	b.mu.Lock()
	b.closed = true
	cancels := b.cancel
	b.cancel = nil
	ch, conn := b.ch, b.conn
	b.ch, b.conn = nil, nil
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if ch != nil {
		ch.Close()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}
