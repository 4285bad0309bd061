package daemon

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the daemon's prometheus collectors on a private registry so
// tests can run multiple servers without duplicate-registration panics.
type metrics struct {
	registry *prometheus.Registry

	requestsTotal  *prometheus.CounterVec
	requestSeconds *prometheus.HistogramVec
	walPending     prometheus.Gauge
	deferredWrites prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mnemod_requests_total",
			Help: "RPC requests by method and outcome.",
		}, []string{"method", "outcome"}),
		requestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mnemod_request_seconds",
			Help:    "RPC request latency by method.",
			Buckets: []float64{.005, .01, .025, .05, .1, .15, .25, .5, 1, 1.5, 3},
		}, []string{"method"}),
		walPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mnemod_wal_pending_entries",
			Help: "Entries waiting in the write-ahead log.",
		}),
		deferredWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mnemod_deferred_writes_total",
			Help: "record_event calls deferred to the write-ahead log.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.requestsTotal, m.requestSeconds, m.walPending, m.deferredWrites,
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
