package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/smartpipeline/pkg/clients/lineage"
	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// Metrics provides Prometheus metrics for the pipeline. All collectors live in
// a private registry. A disabled Metrics is a no-op.
type Metrics struct {
	config MetricsConfig

	intents            *prometheus.CounterVec
	preflights         *prometheus.CounterVec
	submissions        *prometheus.CounterVec
	outcomeChecks      *prometheus.CounterVec
	shadowErrors       *prometheus.CounterVec
	correctionAttempts *prometheus.CounterVec
	executions         *prometheus.CounterVec
	lineageFailures    *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec

	registry *prometheus.Registry
}

var (
	_ engine.MetricsRecorder   = (*Metrics)(nil)
	_ lineage.FailureRecorder = (*Metrics)(nil)
)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		intents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "intents_total",
				Help:      "Total number of classified intents",
			},
			[]string{"category"},
		),
		preflights: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "preflight_total",
				Help:      "Total number of pre-flight runs by outcome",
			},
			[]string{"outcome"},
		),
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_total",
				Help:      "Total number of workflow submissions",
			},
			[]string{"deduplicated"},
		),
		outcomeChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outcome_checks_total",
				Help:      "Total number of outcome checks by kind and result",
			},
			[]string{"kind", "result"},
		),
		shadowErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shadow_errors_total",
				Help:      "Total number of shadow errors detected",
			},
			[]string{"severity"},
		),
		correctionAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "correction_attempts_total",
				Help:      "Total number of correction attempts",
			},
			[]string{"result"},
		),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of finished executions by status",
			},
			[]string{"status"},
		),
		lineageFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lineage_failures_total",
				Help:      "Total number of lineage events dropped",
			},
			[]string{"sink"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stages in seconds",
				Buckets:   buckets,
			},
			[]string{"stage"},
		),
	}

	registry.MustRegister(
		m.intents,
		m.preflights,
		m.submissions,
		m.outcomeChecks,
		m.shadowErrors,
		m.correctionAttempts,
		m.executions,
		m.lineageFailures,
		m.stageDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// RecordIntent counts a classified intent.
func (m *Metrics) RecordIntent(category string) {
	if m.intents == nil {
		return
	}
	m.intents.WithLabelValues(category).Inc()
}

// RecordPreflight counts a pre-flight outcome (passed, failed).
func (m *Metrics) RecordPreflight(outcome string) {
	if m.preflights == nil {
		return
	}
	m.preflights.WithLabelValues(outcome).Inc()
}

// RecordSubmission counts a submission.
func (m *Metrics) RecordSubmission(deduplicated bool) {
	if m.submissions == nil {
		return
	}
	m.submissions.WithLabelValues(strconv.FormatBool(deduplicated)).Inc()
}

// RecordOutcomeCheck counts an outcome check result.
func (m *Metrics) RecordOutcomeCheck(kind string, passed bool) {
	if m.outcomeChecks == nil {
		return
	}
	result := "failed"
	if passed {
		result = "passed"
	}
	m.outcomeChecks.WithLabelValues(kind, result).Inc()
}

// RecordShadowError counts a detected shadow error.
func (m *Metrics) RecordShadowError(severity string) {
	if m.shadowErrors == nil {
		return
	}
	m.shadowErrors.WithLabelValues(severity).Inc()
}

// RecordCorrectionAttempt counts a correction attempt.
func (m *Metrics) RecordCorrectionAttempt(result string) {
	if m.correctionAttempts == nil {
		return
	}
	m.correctionAttempts.WithLabelValues(result).Inc()
}

// RecordExecutionStatus counts a final execution status.
func (m *Metrics) RecordExecutionStatus(status string) {
	if m.executions == nil {
		return
	}
	m.executions.WithLabelValues(status).Inc()
}

// RecordStageDuration observes how long a stage took.
func (m *Metrics) RecordStageDuration(stage string, d time.Duration) {
	if m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordLineageFailure counts a lineage event dropped by a sink.
func (m *Metrics) RecordLineageFailure(sink string) {
	if m.lineageFailures == nil {
		return
	}
	m.lineageFailures.WithLabelValues(sink).Inc()
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
