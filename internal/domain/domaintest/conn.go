// Package domaintest provides in-memory implementations of domain contracts. Test use only.
package domaintest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pscheid92/chanrelay/internal/domain"
)

// Conn records sent payloads and serves queued inbound payloads.
type Conn struct {
	id string

	mu       sync.Mutex
	sent     [][]byte
	sendErr  error
	open     bool
	received chan []byte
	notify   chan struct{}
}

var _ domain.Conn = (*Conn)(nil)

func NewConn() *Conn {
	return &Conn{
		id:       uuid.NewString(),
		open:     true,
		received: make(chan []byte, 64),
		notify:   make(chan struct{}, 64),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return domain.ErrConnClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), payload...))
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Receive waits up to 10ms for a payload queued with Push.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	if !c.IsOpen() {
		return nil, domain.ErrConnClosed
	}
	select {
	case msg := <-c.received:
		return msg, nil
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

// FailSends makes every subsequent Send return err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Push queues an inbound payload for Receive.
func (c *Conn) Push(payload []byte) {
	c.received <- payload
}

// Sent returns a copy of every payload delivered so far.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentStrings returns the delivered payloads as strings.
func (c *Conn) SentStrings() []string {
	sent := c.Sent()
	out := make([]string, len(sent))
	for i, p := range sent {
		out[i] = string(p)
	}
	return out
}

// WaitForSent blocks until at least n payloads were delivered or timeout elapses.
func (c *Conn) WaitForSent(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if len(c.Sent()) >= n {
			return true
		}
		select {
		case <-c.notify:
		case <-deadline:
			return len(c.Sent()) >= n
		}
	}
}
