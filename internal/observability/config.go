package observability

import (
	"os"
	"strconv"
)

// Config holds OpenTelemetry configuration.
type Config struct {
	// Exporter type: "none", "stdout", or "otlp"
	Exporter string

	// OTLP gRPC endpoint (for otlp exporter)
	Endpoint string

	ServiceName    string
	ServiceVersion string

	// Trace sampling rate (0.0 to 1.0)
	SampleRate float64

	MetricsEnabled bool
	TracesEnabled  bool
}

// NewConfig returns default configuration.
func NewConfig() *Config {
	return &Config{
		Exporter:       "none",
		Endpoint:       "localhost:4317",
		ServiceName:    "tasklive",
		ServiceVersion: "dev",
		SampleRate:     0.1,
	}
}

// ApplyEnv overrides cfg from TASKLIVE_OTEL_* environment variables.
// Choosing an exporter turns on both signals.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("TASKLIVE_OTEL_EXPORTER"); v != "" {
		c.Exporter = v
		c.MetricsEnabled = v != "none"
		c.TracesEnabled = v != "none"
	}
	if v := os.Getenv("TASKLIVE_OTEL_ENDPOINT"); v != "" {
		c.Endpoint = v
	}
	if v := os.Getenv("TASKLIVE_OTEL_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			c.SampleRate = rate
		}
	}
}

// ShouldEnable returns true if OTel should be initialized.
func (c *Config) ShouldEnable() bool {
	return c.Exporter != "none" && (c.MetricsEnabled || c.TracesEnabled)
}
