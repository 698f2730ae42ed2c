package redis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pscheid92/chanrelay/internal/domain"
)

const subscriptionBufferSize = 1024

// Broker publishes and pattern-subscribes over one go-redis client.
type Broker struct {
	rdb *goredis.Client
}

var _ domain.Broker = (*Broker)(nil)

func NewBroker(rdb *goredis.Client) *Broker {
	return &Broker{rdb: rdb}
}

// Publish sends every message in a single pipeline round trip.
func (b *Broker) Publish(ctx context.Context, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	_, err := b.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, msg := range msgs {
			pipe.Publish(ctx, msg.Channel, msg.Payload)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish %d messages: %w", len(msgs), err)
	}
	return nil
}

// PSubscribe subscribes to pattern and waits for the server to confirm, so
// messages published after it returns are delivered.
func (b *Broker) PSubscribe(ctx context.Context, pattern string) (domain.Subscription, error) {
	ps := b.rdb.PSubscribe(ctx, pattern)

	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to psubscribe %q: %w", pattern, err)
	}
	return &Subscription{
		ps:       ps,
		messages: ps.Channel(goredis.WithChannelSize(subscriptionBufferSize)),
	}, nil
}

func (b *Broker) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Subscription adapts a go-redis PubSub to domain.Subscription. go-redis
// owns the read loop behind messages: it answers health-check pings and
// resubscribes after a reconnect, and closes messages once the PubSub is closed.
type Subscription struct {
	ps       *goredis.PubSub
	messages <-chan *goredis.Message
	closed   atomic.Bool
}

// Receive blocks until the next published message, ctx is done, or the
// subscription is closed.
func (s *Subscription) Receive(ctx context.Context) (domain.Message, error) {
	if s.closed.Load() {
		return domain.Message{}, domain.ErrSubscriptionClosed
	}

	select {
	case msg, ok := <-s.messages:
		if !ok {
			return domain.Message{}, domain.ErrSubscriptionClosed
		}
		return domain.Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}, nil
	case <-ctx.Done():
		return domain.Message{}, ctx.Err()
	}
}

func (s *Subscription) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.ps.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return fmt.Errorf("failed to close subscription: %w", err)
	}
	return nil
}
