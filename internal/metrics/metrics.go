// Package metrics holds the Prometheus instruments shared by the bridge,
// indexer, and orchestrator binaries.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the fibernet services.
type Metrics struct {
	// Submission path
	SubmissionsTotal    *prometheus.CounterVec
	SubmissionDuration  *prometheus.HistogramVec
	SequenceConflicts   prometheus.Counter
	InFlightSubmissions prometheus.Gauge

	// Rejection pipeline
	RejectionsTotal     *prometheus.CounterVec
	WebhookAuthFailures prometheus.Counter
	SnapshotsOrphaned   prometheus.Counter

	// Orchestrator
	GenerationDuration prometheus.Histogram
	ActiveAgents       prometheus.Gauge
	ActiveFibers       *prometheus.GaugeVec
	Temperature        prometheus.Gauge
	MarketHealth       prometheus.Gauge
}

// New creates and registers all metrics against the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SubmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fibernet_submissions_total",
				Help: "Bridge submissions by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		SubmissionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fibernet_submission_duration_seconds",
				Help:    "End-to-end duration of bridge submissions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		SequenceConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fibernet_sequence_conflicts_total",
				Help: "Optimistic-concurrency conflicts seen by the reconciler",
			},
		),
		InFlightSubmissions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fibernet_inflight_submissions",
				Help: "Submissions currently awaiting data layer acknowledgement",
			},
		),
		RejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fibernet_rejections_total",
				Help: "Indexed guard rejections by error code",
			},
			[]string{"code"},
		),
		WebhookAuthFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fibernet_webhook_auth_failures_total",
				Help: "Webhook deliveries refused for bad signatures",
			},
		),
		SnapshotsOrphaned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fibernet_snapshots_orphaned_total",
				Help: "Pending snapshots orphaned by confirmation sweeps",
			},
		),
		GenerationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fibernet_generation_duration_seconds",
				Help:    "Wall time of one orchestrator generation",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		ActiveAgents: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fibernet_active_agents",
				Help: "Agents currently alive in the population",
			},
		),
		ActiveFibers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fibernet_active_fibers",
				Help: "Non-terminal fibers tracked by the orchestrator, by workflow",
			},
			[]string{"workflow"},
		),
		Temperature: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fibernet_softmax_temperature",
				Help: "Current softmax selection temperature",
			},
		),
		MarketHealth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fibernet_market_health",
				Help: "Smoothed market health factor in [0.3, 1.0]",
			},
		),
	}
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide metrics bound to the global registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// RecordSubmission records one bridge submission outcome.
func (m *Metrics) RecordSubmission(operation, outcome string, seconds float64) {
	m.SubmissionsTotal.WithLabelValues(operation, outcome).Inc()
	m.SubmissionDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordRejection counts each error code on an indexed rejection.
func (m *Metrics) RecordRejection(codes []string) {
	for _, code := range codes {
		m.RejectionsTotal.WithLabelValues(code).Inc()
	}
}
