package telemetry

import (
	"fmt"
	"time"

	"github.com/openfroyo/smartpipeline/pkg/config"
)

// Config contains the telemetry configuration for the Smart Pipeline.
type Config struct {
	// ServiceName is the name of the service for telemetry identification.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// Logging contains logging configuration.
	Logging LoggingConfig

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig

	// Events contains event publishing configuration.
	Events EventsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string

	// Format is console, json or auto. Auto picks console on a terminal.
	Format string

	// Output is stdout, stderr or a file path. Files are rotated.
	Output string

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool

	// MaxSizeMB, MaxBackups and MaxAgeDays control file rotation.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string

	// Endpoint is the OTLP gRPC endpoint, e.g. "localhost:4317".
	Endpoint string

	SamplingRate       float64
	MaxExportBatchSize int
	ExportTimeout      time.Duration
	Insecure           bool
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	Enabled bool

	// Namespace is the metrics namespace prefix.
	Namespace string

	// DefaultHistogramBuckets are the stage latency buckets in seconds.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the event publisher.
type EventsConfig struct {
	Enabled bool

	// BufferSize is the size of the asynchronous event buffer.
	BufferSize int

	// EnableAsync delivers events from a background goroutine.
	EnableAsync bool
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "smartpipe",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "auto",
			Output:     "stderr",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "smartpipe",
			DefaultHistogramBuckets: []float64{
				0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 1800, 7200,
			},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  256,
			EnableAsync: true,
		},
	}
}

// FromSettings derives the telemetry configuration from the application
// configuration.
func FromSettings(cfg config.Config, version string) *Config {
	c := DefaultConfig()
	if version != "" {
		c.ServiceVersion = version
	}
	t := cfg.Telemetry
	if t.LogLevel != "" {
		c.Logging.Level = t.LogLevel
	}
	if t.LogFormat != "" {
		c.Logging.Format = t.LogFormat
	}
	if cfg.Paths.LogFile != "" {
		c.Logging.Output = cfg.Paths.LogFile
	}
	c.Metrics.Enabled = t.MetricsEnabled
	c.Tracing.Enabled = t.TracingEnabled && t.TracingExporter != "none"
	if t.TracingExporter != "" {
		c.Tracing.Exporter = t.TracingExporter
	}
	c.Tracing.Endpoint = t.OTLPEndpoint
	return c
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "console", "json", "auto":
	default:
		return fmt.Errorf("invalid log format: %s (must be 'console', 'json' or 'auto')", c.Logging.Format)
	}

	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("otlp exporter requires an endpoint")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}

	return nil
}
