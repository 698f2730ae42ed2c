// Package memory provides an in-process broker for single-instance
// deployments and for tests that simulate several processes.
package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/pscheid92/chanrelay/internal/domain"
)

const defaultBuffer = 1024

// Broker delivers published messages to matching subscriptions in the same process.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	err    error
	buffer int
}

var _ domain.Broker = (*Broker)(nil)

func NewBroker() *Broker {
	return &Broker{
		subs:   make(map[*Subscription]struct{}),
		buffer: defaultBuffer,
	}
}

// Publish delivers each message to every subscription whose pattern matches.
// A subscription with a full buffer misses the message.
func (b *Broker) Publish(ctx context.Context, msgs []domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.err != nil {
		return b.err
	}

	for _, msg := range msgs {
		for sub := range b.subs {
			if !sub.matches(msg.Channel) {
				continue
			}
			select {
			case sub.ch <- msg:
			default:
				slog.Warn("Memory broker subscription full, dropping message", "pattern", sub.pattern, "topic", msg.Channel)
			}
		}
	}
	return nil
}

// PSubscribe supports an exact topic or a prefix followed by a single trailing "*".
func (b *Broker) PSubscribe(ctx context.Context, pattern string) (domain.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return nil, b.err
	}

	sub := &Subscription{
		broker:  b,
		pattern: pattern,
		ch:      make(chan domain.Message, b.buffer),
		done:    make(chan struct{}),
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		sub.prefix, sub.glob = prefix, true
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

func (b *Broker) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.err
}

// Fail makes every later call return err and terminates all current
// subscriptions with it.
func (b *Broker) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.err = err
	for sub := range b.subs {
		sub.fail(err)
		delete(b.subs, sub)
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// Subscription is one pattern subscription on a Broker.
type Subscription struct {
	broker  *Broker
	pattern string
	prefix  string
	glob    bool
	ch      chan domain.Message

	once sync.Once
	done chan struct{}
	err  error
}

func (s *Subscription) matches(topic string) bool {
	if s.glob {
		return strings.HasPrefix(topic, s.prefix)
	}
	return topic == s.pattern
}

// Receive blocks until a message arrives, the subscription ends or ctx is done.
func (s *Subscription) Receive(ctx context.Context) (domain.Message, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.done:
		return domain.Message{}, s.err
	case <-ctx.Done():
		return domain.Message{}, ctx.Err()
	}
}

func (s *Subscription) Close() error {
	s.broker.remove(s)
	s.fail(domain.ErrSubscriptionClosed)
	return nil
}

func (s *Subscription) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}
