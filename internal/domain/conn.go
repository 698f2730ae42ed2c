package domain

import "context"

// Conn is one live client stream. Implementations must be safe for
// concurrent use: Send is called from dispatch while Receive runs in the
// connection's handler loop.
type Conn interface {
	// ID identifies the connection in logs.
	ID() string
	// Send delivers payload immediately or fails. A non-nil error marks the
	// connection dead; there is no retry.
	Send(payload []byte) error
	// Receive waits a short, implementation-defined window for an inbound
	// message. It returns (nil, nil) when nothing arrived and ErrConnClosed
	// once the stream has ended.
	Receive(ctx context.Context) ([]byte, error)
	IsOpen() bool
	Close() error
}

// Publisher is the entry point for injecting a message into the channel space.
// A path ending in the channel delimiter addresses the subtree below the path.
type Publisher interface {
	Publish(payload []byte, path string)
}
