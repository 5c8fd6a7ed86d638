package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"
)

type Config struct {
	Env            string `env:"RUST_ENV"`
	ServiceName    string `env:"OTEL_SERVICE_NAME"`
	ServiceVersion string `env:"SERVICE_VERSION" envDefault:"1.0.0"`

	OtelEndpoint     string            `env:"OTEL_ENDPOINT"`
	OtelProtocol     string            `env:"OTEL_EXPORTER_OTLP_PROTOCOL" envDefault:"grpc"`
	OtelHeaders      map[string]string `env:"OTEL_EXPORTER_OTLP_HEADERS" envSeparator:"," envKeyValSeparator:"="`
	OtelLogEnabled   bool              `env:"OTEL_LOG_ENABLED"`
	OtelLogsEndpoint string            `env:"OTEL_LOGS_ENDPOINT"`

	PyroscopeEndpoint string `env:"PYROSCOPE_ENDPOINT"`

	SentryDSN          string   `env:"SENTRY_DSN"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	Telemetry TelemetryConfig
}

type TelemetryConfig struct {
	SampleRatio    float64       `env:"OTEL_TRACES_SAMPLER_ARG" envDefault:"1.0"`
	BatchTimeout   time.Duration `env:"OTEL_BATCH_TIMEOUT" envDefault:"5s"`
	MetricInterval time.Duration `env:"OTEL_METRIC_INTERVAL" envDefault:"15s"`
	ProfileTypes   []string      `env:"PYROSCOPE_PROFILE_TYPES" envSeparator:","`
}

// Option tweaks which keys Load treats as required.
type Option func(*loadOptions)

type loadOptions struct {
	profiling bool
	yamlPath  string
}

// WithProfiling makes PYROSCOPE_ENDPOINT a required variable.
func WithProfiling() Option {
	return func(o *loadOptions) {
		o.profiling = true
	}
}

// WithYAMLPath overrides the overlay file read after the environment.
func WithYAMLPath(path string) Option {
	return func(o *loadOptions) {
		o.yamlPath = path
	}
}

func Load(opts ...Option) (*Config, error) {
	o := loadOptions{yamlPath: "config.yaml"}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	// Load from YAML file if available
	if err := cfg.LoadFromYAML(o.yamlPath); err != nil {
		return nil, fmt.Errorf("failed to load YAML config: %w", err)
	}

	if err := cfg.validate(o.profiling); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) LoadFromYAML(path string) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File not found is not an error
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var yamlConfig struct {
		Telemetry struct {
			SampleRatio    *float64      `yaml:"sample_ratio"`
			BatchTimeout   time.Duration `yaml:"batch_timeout"`
			MetricInterval time.Duration `yaml:"metric_interval"`
			ProfileTypes   []string      `yaml:"profile_types"`
		} `yaml:"telemetry"`
	}

	if err := yaml.Unmarshal(data, &yamlConfig); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	t := yamlConfig.Telemetry
	if t.SampleRatio != nil {
		c.Telemetry.SampleRatio = *t.SampleRatio
	}
	if t.BatchTimeout > 0 {
		c.Telemetry.BatchTimeout = t.BatchTimeout
	}
	if t.MetricInterval > 0 {
		c.Telemetry.MetricInterval = t.MetricInterval
	}
	if len(t.ProfileTypes) > 0 {
		c.Telemetry.ProfileTypes = t.ProfileTypes
	}

	return nil
}

func (c *Config) validate(profiling bool) error {
	if c.ServiceName == "" {
		return fmt.Errorf("OTEL_SERVICE_NAME is required")
	}
	if c.OtelEndpoint == "" {
		return fmt.Errorf("OTEL_ENDPOINT is required")
	}
	if c.Env == "" {
		return fmt.Errorf("RUST_ENV is required")
	}
	if profiling && c.PyroscopeEndpoint == "" {
		return fmt.Errorf("PYROSCOPE_ENDPOINT is required")
	}
	if c.OtelLogEnabled && c.OtelLogsEndpoint == "" {
		return fmt.Errorf("OTEL_LOGS_ENDPOINT is required when OTEL_LOG_ENABLED is true")
	}
	if c.OtelProtocol != ProtocolGRPC && c.OtelProtocol != ProtocolHTTP {
		return fmt.Errorf("OTEL_EXPORTER_OTLP_PROTOCOL must be %q or %q, got %q", ProtocolGRPC, ProtocolHTTP, c.OtelProtocol)
	}
	return nil
}
