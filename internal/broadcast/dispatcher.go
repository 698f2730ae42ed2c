package broadcast

import (
	"log/slog"

	"github.com/pscheid92/chanrelay/internal/adapter/metrics"
	"github.com/pscheid92/chanrelay/internal/channel"
	"github.com/pscheid92/chanrelay/internal/domain"
)

const (
	modeExact   = "exact"
	modeSubtree = "subtree"
)

// Result counts the outcome of one Deliver call.
type Result struct {
	Delivered int
	Evicted   int
}

func (r *Result) add(other Result) {
	r.Delivered += other.Delivered
	r.Evicted += other.Evicted
}

// Dispatcher fans a message out to local connections.
type Dispatcher struct {
	registry *channel.Registry
	metrics  *metrics.DispatchMetrics
}

var _ domain.Publisher = (*Dispatcher)(nil)

func NewDispatcher(registry *channel.Registry, m *metrics.DispatchMetrics) *Dispatcher {
	return &Dispatcher{registry: registry, metrics: m}
}

// Publish delivers payload to the connections addressed by path.
func (d *Dispatcher) Publish(payload []byte, path string) {
	d.Deliver(payload, path)
}

// Deliver is Publish with a report of what happened.
func (d *Dispatcher) Deliver(payload []byte, path string) Result {
	target, subtreeOnly := channel.ParseAddress(path)
	node := d.registry.Resolve(target)

	var result Result
	mode := modeExact
	if subtreeOnly {
		mode = modeSubtree
		d.registry.Walk(node, func(n *channel.Node) {
			result.add(d.deliverTo(n, payload))
		})
	} else {
		result = d.deliverTo(node, payload)
	}

	d.metrics.Dispatches.WithLabelValues(mode).Inc()
	slog.Debug("Dispatched message",
		"channel", path,
		"mode", mode,
		"bytes", len(payload),
		"delivered", result.Delivered,
		"evicted", result.Evicted)
	return result
}

func (d *Dispatcher) deliverTo(node *channel.Node, payload []byte) Result {
	var result Result
	for _, conn := range node.Connections() {
		if err := conn.Send(payload); err != nil {
			if d.registry.Unregister(node, conn) {
				result.Evicted++
				d.metrics.Evictions.Inc()
				slog.Info("Evicted connection after failed send",
					"conn_id", conn.ID(),
					"channel", node.Path(),
					"error", err)
			}
			// an evicted connection would never receive again, so end its session
			_ = conn.Close()
			continue
		}
		result.Delivered++
	}
	d.metrics.Deliveries.Add(float64(result.Delivered))
	return result
}
