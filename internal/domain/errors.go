package domain

import "errors"

var (
	// ErrConnClosed is returned by Conn methods once the client stream has ended.
	ErrConnClosed = errors.New("connection closed")
	// ErrSlowConsumer is returned by Conn.Send when the outbound queue is full.
	// Treated like any other send failure: the connection is evicted.
	ErrSlowConsumer = errors.New("connection send queue full")
	// ErrSubscriptionClosed is returned by Subscription.Receive after Close.
	ErrSubscriptionClosed = errors.New("subscription closed")
	// ErrBrokerUnavailable is returned when the broker refuses work without trying (e.g. open circuit).
	ErrBrokerUnavailable = errors.New("broker unavailable")
)
