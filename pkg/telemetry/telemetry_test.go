package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/smartpipeline/pkg/config"
	"github.com/openfroyo/smartpipeline/pkg/engine"
)

func TestFromSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.LogLevel = "debug"
	cfg.Telemetry.TracingEnabled = true
	cfg.Telemetry.TracingExporter = "otlp"
	cfg.Telemetry.OTLPEndpoint = "collector:4317"
	cfg.Paths.LogFile = "/var/log/smartpipe.log"

	c := FromSettings(cfg, "1.2.3")
	assert.Equal(t, "1.2.3", c.ServiceVersion)
	assert.Equal(t, "debug", c.Logging.Level)
	assert.Equal(t, "/var/log/smartpipe.log", c.Logging.Output)
	assert.True(t, c.Tracing.Enabled)
	assert.Equal(t, "collector:4317", c.Tracing.Endpoint)
	require.NoError(t, c.Validate())

	cfg.Telemetry.TracingExporter = "none"
	assert.False(t, FromSettings(cfg, "").Tracing.Enabled, "exporter none disables tracing")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, false},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, false},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, false},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, false},
		{"no buffer", func(c *Config) { c.Events.BufferSize = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.modify(c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "info", Format: "auto"})

	logger.NewComponentLogger("pipeline").WithRunID("smartpipe__p1").Info("Run submitted")
	logger.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, `"component":"pipeline"`)
	assert.Contains(t, out, `"run_id":"smartpipe__p1"`)
	assert.NotContains(t, out, "hidden")

	ctx := logger.WithContext(context.Background())
	assert.Same(t, logger, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestLoggerRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "smartpipe.log")
	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: path, MaxSizeMB: 1})
	require.NoError(t, err)
	logger.Info("hello")
	require.NoError(t, logger.Close())
	assert.FileExists(t, path)
}

func TestMetrics(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	require.NoError(t, err)

	m.RecordIntent("deploy")
	m.RecordIntent("deploy")
	m.RecordSubmission(true)
	m.RecordOutcomeCheck("service", false)
	m.RecordShadowError("critical")
	m.RecordExecutionStatus("escalated")
	m.RecordLineageFailure("nats")
	m.RecordStageDuration("wait", 3*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.intents.WithLabelValues("deploy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submissions.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomeChecks.WithLabelValues("service", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lineageFailures.WithLabelValues("nats")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "smartpipe_shadow_errors_total")
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	require.NoError(t, err)
	m.RecordIntent("deploy")
	m.RecordStageDuration("plan", time.Second)
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

type memoryEventStore struct {
	mu     sync.Mutex
	events []engine.Event
	err    error
}

func (s *memoryEventStore) SaveEvent(ctx context.Context, event *engine.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return s.err
}

func TestEventPublisherAsync(t *testing.T) {
	store := &memoryEventStore{}
	ep := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16, EnableAsync: true}, store, zerolog.Nop())

	var mu sync.Mutex
	var escalations []string
	ep.Subscribe(func(e engine.Event) {
		mu.Lock()
		defer mu.Unlock()
		escalations = append(escalations, e.RunID)
	}, FilterBySeverity("error"))

	ctx := context.Background()
	require.NoError(t, ep.Publish(ctx, &engine.Event{Type: engine.EventTypeRunSubmitted, RunID: "r1"}))
	require.NoError(t, ep.Publish(ctx, &engine.Event{Type: engine.EventTypeEscalated, RunID: "r1"}))
	require.NoError(t, ep.Publish(ctx, &engine.Event{Type: engine.EventTypeReportCompleted, RunID: "r2"}))

	require.NoError(t, ep.Shutdown(ctx))

	require.Len(t, store.events, 3)
	assert.Equal(t, engine.EventTypeRunSubmitted, store.events[0].Type)
	assert.Equal(t, engine.EventTypeReportCompleted, store.events[2].Type)
	assert.NotEmpty(t, store.events[0].ID)
	assert.False(t, store.events[0].Timestamp.IsZero())
	assert.Equal(t, []string{"r1"}, escalations)

	assert.ErrorIs(t, ep.Publish(ctx, &engine.Event{Type: engine.EventTypeRunFinished}), ErrPublisherStopped)
}

func TestEventPublisherSync(t *testing.T) {
	store := &memoryEventStore{err: errors.New("database is locked")}
	ep := NewEventPublisher(EventsConfig{Enabled: true}, store, zerolog.Nop())

	var got []engine.Event
	ep.Subscribe(func(e engine.Event) { got = append(got, e) }, FilterByRunID("r1"))

	ctx := context.Background()
	require.NoError(t, ep.Publish(ctx, &engine.Event{Type: engine.EventTypePlanCreated, RunID: "r1"}), "store errors are logged only")
	require.NoError(t, ep.Publish(ctx, &engine.Event{Type: engine.EventTypePlanCreated, RunID: "r2"}))

	assert.Len(t, store.events, 2)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].RunID)

	disabled := NewEventPublisher(EventsConfig{}, store, zerolog.Nop())
	require.NoError(t, disabled.Publish(ctx, &engine.Event{Type: engine.EventTypePlanCreated}))
	assert.Len(t, store.events, 2)
}

func TestTracerStdout(t *testing.T) {
	var buf bytes.Buffer
	tracer, err := NewTracer(TracingConfig{
		Enabled:            true,
		Exporter:           "stdout",
		SamplingRate:       1,
		MaxExportBatchSize: 8,
		ExportTimeout:      time.Second,
	}, "smartpipe", "test", &buf)
	require.NoError(t, err)

	ctx, span := tracer.StartSpan(context.Background(), "smartpipe.plan")
	assert.NotEmpty(t, TraceID(ctx))
	RecordError(span, errors.New("no workflow"))
	span.End()

	require.NoError(t, tracer.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "smartpipe.plan")
}
