// Package telemetry provides logging, metrics, and tracing for provisio.
// Logging is zerolog, metrics are Prometheus, traces are OpenTelemetry with
// OTLP or stdout export.
package telemetry

import (
	"fmt"
	"time"
)

// Config is the root telemetry configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	Logging LoggingConfig
	Metrics MetricsConfig
	Tracing TracingConfig
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string
	// Format is "json" or "console".
	Format string
	// TimeFormat overrides the timestamp format for console output.
	TimeFormat string
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
	// ListenAddress is the address for the /metrics HTTP listener.
	ListenAddress string
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled bool
	// Exporter is "otlp" or "stdout".
	Exporter string
	// Endpoint is the OTLP gRPC collector endpoint.
	Endpoint string
	// SampleRate is the fraction of traces to sample, 0 to 1.
	SampleRate float64
	// Timeout bounds exporter shutdown.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults for CLI use: console logs at info,
// metrics and tracing off.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "provisio",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			TimeFormat: time.Kitchen,
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: ":9090",
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "stdout",
			Endpoint:   "localhost:4317",
			SampleRate: 1.0,
			Timeout:    5 * time.Second,
		},
	}
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.Logging.Format)
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "stdout":
		default:
			return fmt.Errorf("invalid trace exporter %q", c.Tracing.Exporter)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("trace sample rate %f out of range", c.Tracing.SampleRate)
		}
	}
	return nil
}
