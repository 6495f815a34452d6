package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration for homedeploy.
type Config struct {
	// ServiceName is the name reported on traces.
	ServiceName string

	// ServiceVersion is the build version.
	ServiceVersion string

	// Logging contains logging configuration.
	Logging LoggingConfig

	// Tracing contains tracing configuration.
	Tracing TracingConfig

	// Metrics contains metrics configuration.
	Metrics MetricsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string

	// Format is console or json.
	Format string

	// Output is stdout, stderr or a file path.
	Output string

	// NoColor disables ANSI colors in console output.
	NoColor bool
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Exporter is otlp, stdout or none.
	Exporter string

	// Endpoint is the OTLP collector endpoint (host:port).
	Endpoint string

	// SamplingRate is the trace sampling ratio (0.0 to 1.0).
	SamplingRate float64

	// ExportTimeout bounds span export.
	ExportTimeout time.Duration

	// Insecure disables TLS for the OTLP connection.
	Insecure bool
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// Namespace prefixes every metric.
	Namespace string

	// TextfilePath is written after each run when set (node-exporter textfile collector).
	TextfilePath string

	// ListenAddress serves /metrics for long-running commands when set.
	ListenAddress string

	// Buckets are the stage duration histogram buckets in seconds.
	Buckets []float64
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "homedeploy",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 10 * time.Second,
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			Namespace: "homedeploy",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	switch c.Tracing.Exporter {
	case "otlp":
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing endpoint is required for the otlp exporter")
		}
	case "stdout", "none":
	default:
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	return nil
}
