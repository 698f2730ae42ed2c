package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pscheid92/chanrelay/internal/platform/version"
)

const namespace = "chanrelay"

// NewRegistry creates the relay's Prometheus registry. Besides the Go runtime
// and process collectors it exports chanrelay_build_info for the running binary.
func NewRegistry(info version.Info) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
		newBuildInfo(info),
	)
	return reg
}

// newBuildInfo is a constant 1 labelled with the build identity, so dashboards
// can join it onto any other series to tell deployments apart.
func newBuildInfo(info version.Info) prometheus.Collector {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "build_info",
		Help:        "Build information of the running relay; always 1.",
		ConstLabels: info.Labels(),
	})
	g.Set(1)
	return g
}

// Handler serves the registry. Encoding failures are counted on the registry
// itself and do not abort the scrape.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry:      reg,
		ErrorHandling: promhttp.ContinueOnError,
	})
}
