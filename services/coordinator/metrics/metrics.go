// Package metrics exposes the Coordinator's Prometheus instrumentation,
// grounded on the teacher's NewCounterVec/GaugeVec/HistogramVec registration
// idiom (the teacher's own observability/metrics.go, since deleted here as
// specific to unrelated services, used the same client_golang constructors).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every Coordinator-specific Prometheus collector.
type Metrics struct {
	TailCursorHeight prometheus.Gauge
	TailState        *prometheus.GaugeVec
	EventsApplied    prometheus.Counter
	TailBackoffs     prometheus.Counter
	RequestDuration  *prometheus.HistogramVec
	RequestsTotal    *prometheus.CounterVec
}

// New registers every collector against reg and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TailCursorHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "votara",
			Subsystem: "tail",
			Name:      "cursor_height",
			Help:      "Last block number the chain tail has fully applied.",
		}),
		TailState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "votara",
			Subsystem: "tail",
			Name:      "state",
			Help:      "1 for the chain tail's current state, 0 otherwise.",
		}, []string{"state"}),
		EventsApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "votara",
			Subsystem: "tail",
			Name:      "events_applied_total",
			Help:      "Count of chain events the tail has applied to the metadata store.",
		}),
		TailBackoffs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "votara",
			Subsystem: "tail",
			Name:      "backoffs_total",
			Help:      "Count of chain tail iterations that entered the Backoff state.",
		}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "votara",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Coordinator API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "votara",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Coordinator API request count.",
		}, []string{"route", "method", "status"}),
	}
}

// ObserveState flips the TailState gauge vector so exactly one state reads
// 1 at a time, matching the Chain Tail's single-active-state semantics.
func (m *Metrics) ObserveState(states []string, active string) {
	for _, s := range states {
		value := 0.0
		if s == active {
			value = 1.0
		}
		m.TailState.WithLabelValues(s).Set(value)
	}
}

// ObserveRequest records one HTTP request's latency and outcome.
func (m *Metrics) ObserveRequest(route, method, status string, d time.Duration) {
	m.RequestDuration.WithLabelValues(route, method, status).Observe(d.Seconds())
	m.RequestsTotal.WithLabelValues(route, method, status).Inc()
}
