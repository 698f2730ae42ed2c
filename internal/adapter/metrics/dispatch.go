package metrics

import "github.com/prometheus/client_golang/prometheus"

// DispatchMetrics holds Prometheus metrics for local fan-out.
type DispatchMetrics struct {
	Dispatches *prometheus.CounterVec
	Deliveries prometheus.Counter
	Evictions  prometheus.Counter
}

// NewDispatchMetrics creates and registers dispatch metrics on the given registry.
func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	m := &DispatchMetrics{
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "messages_total",
			Help:      "Messages dispatched to local connections, by addressing mode.",
		}, []string{"mode"}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "deliveries_total",
			Help:      "Successful sends to individual connections.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "evictions_total",
			Help:      "Connections evicted after a failed send.",
		}),
	}

	reg.MustRegister(m.Dispatches, m.Deliveries, m.Evictions)
	return m
}

// RegisterTreeGauges exposes channel tree size, sampled at scrape time.
func RegisterTreeGauges(reg prometheus.Registerer, nodes, connections func() float64) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channels",
			Name:      "nodes",
			Help:      "Number of channel nodes in this process's tree.",
		}, nodes),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channels",
			Name:      "connections",
			Help:      "Number of connections registered in this process's tree.",
		}, connections),
	)
}
