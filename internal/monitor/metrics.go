// Package monitor holds the observability surface for the evolution gate:
// Prometheus metrics on a dedicated registry and an OpenTelemetry tracer
// wrapper.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the evolution gate.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	SandboxErrors    *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	PendingReviews   prometheus.Gauge
	SandboxesInUse   prometheus.Gauge
	RequestsInFlight prometheus.Gauge
	SourceSizeBytes  prometheus.Histogram
	SecurityScore    prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gate",
				Name:      "requests_total",
				Help:      "Evolution requests by static verdict and final state.",
			},
			[]string{"verdict", "state"},
		),

		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gate",
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stages in seconds.",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),

		SandboxErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gate",
				Name:      "sandbox_errors_total",
				Help:      "Sandbox execution errors by type.",
			},
			[]string{"type"},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gate",
				Name:      "queue_depth",
				Help:      "Requests waiting for a pipeline worker.",
			},
		),

		PendingReviews: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gate",
				Name:      "pending_reviews",
				Help:      "Requests parked awaiting a human decision.",
			},
		),

		SandboxesInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gate",
				Name:      "sandboxes_in_use",
				Help:      "Live sandbox instances across all workers.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gate",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		SourceSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "gate",
				Name:      "source_size_bytes",
				Help:      "Size of submitted candidate units in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		SecurityScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "gate",
				Name:      "security_score",
				Help:      "Security score distribution of analyzed units.",
				Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
			},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.StageDuration,
		m.SandboxErrors,
		m.QueueDepth,
		m.PendingReviews,
		m.SandboxesInUse,
		m.RequestsInFlight,
		m.SourceSizeBytes,
		m.SecurityScore,
	)

	return m
}

// RecordOutcome records a finished request.
func (m *Metrics) RecordOutcome(verdict, state string) {
	m.RequestsTotal.WithLabelValues(verdict, state).Inc()
}

// ObserveStage records a stage duration.
func (m *Metrics) ObserveStage(stage string, seconds float64) {
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordSandboxError records a sandbox failure by type.
func (m *Metrics) RecordSandboxError(errType string) {
	m.SandboxErrors.WithLabelValues(errType).Inc()
}
