package telemetry

import (
	"fmt"
	"time"
)

// Config is the telemetry section of the terradev config file.
type Config struct {
	ServiceName    string `yaml:"service_name" toml:"service_name"`
	ServiceVersion string `yaml:"service_version" toml:"service_version"`
	Environment    string `yaml:"environment" toml:"environment"`

	Logging LoggingConfig `yaml:"logging" toml:"logging"`
	Tracing TracingConfig `yaml:"tracing" toml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`   // trace, debug, info, warn, error, fatal
	Format string `yaml:"format" toml:"format"` // console or json
	Output string `yaml:"output" toml:"output"` // stdout, stderr or a file path

	EnableCaller bool `yaml:"enable_caller" toml:"enable_caller"`

	// Burst of SamplingInitial messages per second, then every
	// SamplingThereafter-th message.
	EnableSampling     bool `yaml:"enable_sampling" toml:"enable_sampling"`
	SamplingInitial    int  `yaml:"sampling_initial" toml:"sampling_initial"`
	SamplingThereafter int  `yaml:"sampling_thereafter" toml:"sampling_thereafter"`

	TimeFormat string `yaml:"time_format" toml:"time_format"` // rfc3339, unix, unixms, unixmicro
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Exporter string `yaml:"exporter" toml:"exporter"` // otlp, stdout, none
	Endpoint string `yaml:"endpoint" toml:"endpoint"` // OTLP collector host:port

	SamplingRate       float64           `yaml:"sampling_rate" toml:"sampling_rate"`
	MaxExportBatchSize int               `yaml:"max_export_batch_size" toml:"max_export_batch_size"`
	ExportTimeout      time.Duration     `yaml:"export_timeout" toml:"export_timeout"`
	Headers            map[string]string `yaml:"headers" toml:"headers"`
	Insecure           bool              `yaml:"insecure" toml:"insecure"`
}

// MetricsConfig configures the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	ListenAddress string `yaml:"listen_address" toml:"listen_address"`
	Path          string `yaml:"path" toml:"path"`
	Namespace     string `yaml:"namespace" toml:"namespace"`

	// Latency buckets in seconds.
	DefaultHistogramBuckets []float64 `yaml:"default_histogram_buckets" toml:"default_histogram_buckets"`
}

// DefaultConfig logs to stderr at info, disables tracing and serves metrics on :9090.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "terradev",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			ListenAddress:           ":9090",
			Path:                    "/metrics",
			Namespace:               "terradev",
			DefaultHistogramBuckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	}
}

// Validate rejects unknown levels, formats and exporters.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service version is required")
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "stdout", "none":
		default:
			return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}
	return nil
}
