// Package handler runs the per-connection control loop: register the
// connection under its channel, forward every inbound message to a hook, and
// evict the connection when it closes.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/pscheid92/chanrelay/internal/adapter/metrics"
	"github.com/pscheid92/chanrelay/internal/channel"
	"github.com/pscheid92/chanrelay/internal/domain"
	"github.com/pscheid92/chanrelay/internal/platform/correlation"
)

const (
	dropTooLarge = "too_large"
)

// OnMessageFunc is called for every non-empty inbound payload with the
// channel path the connection is registered under.
type OnMessageFunc func(ctx context.Context, payload []byte, path string)

// PublishTo returns a hook that publishes each message to the sender's own channel.
func PublishTo(p domain.Publisher) OnMessageFunc {
	return func(_ context.Context, payload []byte, path string) {
		p.Publish(payload, path)
	}
}

type Option func(*Handler)

// WithOnMessage replaces the default publish hook.
func WithOnMessage(fn OnMessageFunc) Option {
	return func(h *Handler) { h.onMessage = fn }
}

// WithMaxMessageBytes drops inbound payloads above limit before the hook sees them.
func WithMaxMessageBytes(limit int) Option {
	return func(h *Handler) { h.maxBytes = limit }
}

type Handler struct {
	registry  *channel.Registry
	onMessage OnMessageFunc
	maxBytes  int
	metrics   *metrics.WebSocketMetrics
}

func New(registry *channel.Registry, publisher domain.Publisher, m *metrics.WebSocketMetrics, opts ...Option) *Handler {
	h := &Handler{
		registry:  registry,
		onMessage: PublishTo(publisher),
		metrics:   m,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ChannelFromRequestPath strips leading and trailing delimiters, so
// "/room/42/" and "room/42" register under the same channel.
func ChannelFromRequestPath(p string) string {
	return strings.Trim(p, channel.Delimiter)
}

// Serve registers conn under path and pumps inbound messages until the
// connection closes or ctx is done. The connection is evicted and closed on return.
func (h *Handler) Serve(ctx context.Context, conn domain.Conn, path string) {
	if _, ok := correlation.ID(ctx); !ok {
		ctx = correlation.WithID(ctx, correlation.NewID())
	}
	ctx = correlation.WithChannel(ctx, path)

	node := h.registry.Register(path, conn)
	h.metrics.ActiveConnections.Inc()
	slog.InfoContext(ctx, "Connection registered", "conn_id", conn.ID())

	defer func() {
		evicted := h.registry.Unregister(node, conn)
		_ = conn.Close()
		h.metrics.ActiveConnections.Dec()
		slog.InfoContext(ctx, "Connection closed", "conn_id", conn.ID(), "unregistered", evicted)
	}()

	for conn.IsOpen() && ctx.Err() == nil {
		payload, err := conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrConnClosed) {
				return
			}
			slog.DebugContext(ctx, "Receive failed", "conn_id", conn.ID(), "error", err)
			continue
		}
		if len(payload) == 0 {
			continue
		}
		h.handle(ctx, payload, path)
	}
}

func (h *Handler) handle(ctx context.Context, payload []byte, path string) {
	if h.maxBytes > 0 && len(payload) > h.maxBytes {
		h.metrics.MessagesDropped.WithLabelValues(dropTooLarge).Inc()
		slog.WarnContext(ctx, "Dropping oversized message", "bytes", len(payload), "limit", h.maxBytes)
		return
	}
	h.metrics.MessagesReceived.Inc()
	h.onMessage(ctx, payload, path)
}
