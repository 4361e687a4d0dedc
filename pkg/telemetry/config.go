package telemetry

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config contains the telemetry configuration of a freckles process.
type Config struct {
	// ServiceName identifies the process in traces and metrics.
	ServiceName string `validate:"required"`

	// ServiceVersion is the version of the binary.
	ServiceVersion string `validate:"required"`

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
	Level string `validate:"oneof=trace debug info warn error fatal"`

	// Format specifies the log format (console, json).
	Format string `validate:"oneof=console json"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `validate:"required"`

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool

	// NoColor disables colours of the console format.
	NoColor bool

	// TimeFormat specifies the timestamp format (unix, rfc3339, kitchen).
	TimeFormat string
}

// TracingConfig configures tracing.
type TracingConfig struct {
	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string `validate:"oneof=otlp stdout none"`

	// Endpoint is the OTLP collector endpoint.
	Endpoint string `validate:"required_if=Exporter otlp"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `validate:"gte=0,lte=1"`

	// MaxExportBatchSize is the maximum batch size for export.
	MaxExportBatchSize int `validate:"gte=0"`

	// ExportTimeout is the timeout for trace export.
	ExportTimeout time.Duration

	// Headers are additional headers for the OTLP exporter.
	Headers map[string]string

	// Insecure disables TLS for the exporter connection.
	Insecure bool
}

// MetricsConfig configures the per-run metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics are collected.
	Enabled bool

	// Namespace is the metrics namespace prefix.
	Namespace string `validate:"required_if=Enabled true"`

	// DurationBuckets are the batch duration buckets in seconds.
	DurationBuckets []float64
}

// DefaultConfig returns the configuration used by the freckles binaries.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "freckles",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:      "warn",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "kitchen",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "freckles",
			DurationBuckets: []float64{
				0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
			},
		},
	}
}

// DevelopmentConfig logs at debug level and prints spans to stdout.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

var validate = validator.New()

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}
