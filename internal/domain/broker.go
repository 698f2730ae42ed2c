package domain

import "context"

// Message is an opaque payload addressed to a channel (or broker topic).
type Message struct {
	Channel string
	Payload []byte
}

// Broker is an external publish/subscribe transport shared by all relay processes.
type Broker interface {
	// Publish sends every message in the batch, in order, on its Channel topic.
	Publish(ctx context.Context, batch []Message) error
	// PSubscribe subscribes to all topics matching a glob pattern.
	PSubscribe(ctx context.Context, pattern string) (Subscription, error)
	// Ping verifies the broker is reachable.
	Ping(ctx context.Context) error
}

// Subscription yields broker messages for a pattern subscription.
type Subscription interface {
	// Receive blocks until the next message arrives. Subscribe confirmations
	// are consumed internally and never surface as messages. Any error other
	// than a cancelled ctx means the subscription is lost.
	Receive(ctx context.Context) (Message, error)
	Close() error
}
