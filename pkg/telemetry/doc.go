// Package telemetry provides the observability plumbing of the Smart Pipeline.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and event publishing.
//
// # Usage
//
// Initialize telemetry at startup from the loaded configuration:
//
//	tel, err := telemetry.New(telemetry.FromSettings(cfg, version), store)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// # Logging
//
// Console output is used when the destination is a terminal and the format
// is "auto"; otherwise JSON. A file output is rotated with lumberjack.
//
//	logger := tel.Logger.NewComponentLogger("pipeline").WithRunID(runID)
//	logger.Info("Run submitted")
//
// Components that take a zerolog.Logger receive tel.Logger.Zerolog().
//
// # Metrics
//
// Metrics implements engine.MetricsRecorder and lineage.FailureRecorder. All
// collectors are registered in a private registry served by Handler:
//
//   - smartpipe_intents_total{category}
//   - smartpipe_preflight_total{outcome}
//   - smartpipe_submissions_total{deduplicated}
//   - smartpipe_outcome_checks_total{kind,result}
//   - smartpipe_shadow_errors_total{severity}
//   - smartpipe_correction_attempts_total{result}
//   - smartpipe_executions_total{status}
//   - smartpipe_lineage_failures_total{sink}
//   - smartpipe_stage_duration_seconds{stage}
//
// # Tracing
//
// NewTracer installs the global tracer provider used by the pipeline stages.
// Exporters: otlp (gRPC), stdout, none.
//
// # Events
//
// EventPublisher implements engine.EventPublisher. Events are logged at the
// severity of their type, persisted through an EventStore and handed to
// subscribers.
package telemetry
