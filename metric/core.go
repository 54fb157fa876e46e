// Package metric defines the Prometheus metrics every pipeline component
// reports, behind a single registry created at startup.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all pipeline-level metrics
type Metrics struct {
	// Ledger and outbox
	EventsAppended  *prometheus.CounterVec
	EventsForwarded prometheus.Counter
	ForwardFailures prometheus.Counter

	// Router
	WorkEmitted *prometheus.CounterVec
	WorkRetried *prometheus.CounterVec
	DeadLetters *prometheus.CounterVec

	// Workers
	WorkProcessed *prometheus.CounterVec
	WorkDuration  *prometheus.HistogramVec

	// Materializer
	ProjectionsApplied *prometheus.CounterVec
	ProjectionsSkipped prometheus.Counter
	ProjectionPoisoned prometheus.Counter
	ProjectionDuration prometheus.Histogram

	// Gateway
	IngestRequests *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with every pipeline metric
func NewMetrics() *Metrics {
	return &Metrics{
		EventsAppended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lifestream",
				Subsystem: "ledger",
				Name:      "events_appended_total",
				Help:      "Total events appended to the ledger",
			},
			[]string{"event_type"},
		),

		EventsForwarded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "lifestream",
				Subsystem: "outbox",
				Name:      "events_forwarded_total",
				Help:      "Total events forwarded to the bus",
			},
		),

		ForwardFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "lifestream",
				Subsystem: "outbox",
				Name:      "forward_failures_total",
				Help:      "Total forwarding cycle failures",
			},
		),

		WorkEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lifestream",
				Subsystem: "router",
				Name:      "work_emitted_total",
				Help:      "Total work commands emitted",
			},
			[]string{"work_type"},
		),

		WorkRetried: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lifestream",
				Subsystem: "router",
				Name:      "work_retried_total",
				Help:      "Total work commands re-emitted after failure",
			},
			[]string{"work_type"},
		),

		DeadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lifestream",
				Subsystem: "router",
				Name:      "dead_letters_total",
				Help:      "Total work commands dead-lettered after exhausting retries",
			},
			[]string{"work_type"},
		),

		WorkProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lifestream",
				Subsystem: "worker",
				Name:      "processed_total",
				Help:      "Total work commands processed",
			},
			[]string{"work_type", "status"},
		),

		WorkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "lifestream",
				Subsystem: "worker",
				Name:      "duration_seconds",
				Help:      "Work unit duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"work_type"},
		),

		ProjectionsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lifestream",
				Subsystem: "materializer",
				Name:      "projections_applied_total",
				Help:      "Total projection writes applied",
			},
			[]string{"event_type"},
		),

		ProjectionsSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "lifestream",
				Subsystem: "materializer",
				Name:      "projections_skipped_total",
				Help:      "Total messages skipped by the idempotency ledger",
			},
		),

		ProjectionPoisoned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "lifestream",
				Subsystem: "materializer",
				Name:      "projections_poisoned_total",
				Help:      "Total messages recorded as processed after exhausting handler retries",
			},
		),

		ProjectionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "lifestream",
				Subsystem: "materializer",
				Name:      "projection_duration_seconds",
				Help:      "Per-message projection transaction duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		IngestRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lifestream",
				Subsystem: "gateway",
				Name:      "ingest_requests_total",
				Help:      "Total ingestion requests",
			},
			[]string{"status"},
		),
	}
}

// Registry bundles the metrics with their Prometheus registry
type Registry struct {
	*Metrics
	reg *prometheus.Registry
}

// NewRegistry creates a registry with all pipeline metrics registered
func NewRegistry() *Registry {
	m := NewMetrics()
	reg := prometheus.NewRegistry()

	reg.MustRegister(
		m.EventsAppended,
		m.EventsForwarded,
		m.ForwardFailures,
		m.WorkEmitted,
		m.WorkRetried,
		m.DeadLetters,
		m.WorkProcessed,
		m.WorkDuration,
		m.ProjectionsApplied,
		m.ProjectionsSkipped,
		m.ProjectionPoisoned,
		m.ProjectionDuration,
		m.IngestRequests,
	)

	return &Registry{Metrics: m, reg: reg}
}

// Handler returns the HTTP handler serving the metrics endpoint
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
