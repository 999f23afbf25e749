// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level configuration shared by both binaries. Each service
// reads only its own section plus the common Server/Redis/Telemetry blocks.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Analytics AnalyticsConfig `yaml:"analytics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds connection settings for the shared key-value store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// GatewayConfig holds gateway-side settings.
type GatewayConfig struct {
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Emitter   EmitterConfig   `yaml:"emitter"`
	Routes    []RouteEntry    `yaml:"routes"`
}

// AuthConfig holds API key authentication settings. SkipPaths is the single
// skip list consulted by both the auth and rate-limit filters.
type AuthConfig struct {
	Enabled   *bool    `yaml:"enabled"` // nil = true
	SkipPaths []string `yaml:"skip_paths"`
}

// IsEnabled reports whether authentication is on (defaults to true when nil).
func (a AuthConfig) IsEnabled() bool { return a.Enabled == nil || *a.Enabled }

// RateLimitConfig holds the per-client sliding-minute limit.
type RateLimitConfig struct {
	Enabled           *bool `yaml:"enabled"` // nil = true
	RequestsPerMinute int64 `yaml:"requests_per_minute"`
}

// IsEnabled reports whether rate limiting is on (defaults to true when nil).
func (r RateLimitConfig) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// BreakerConfig holds the per-route upstream circuit breaker settings.
type BreakerConfig struct {
	Enabled        *bool         `yaml:"enabled"` // nil = true
	ErrorThreshold float64       `yaml:"error_threshold"`
	MinSamples     int           `yaml:"min_samples"`
	WindowSeconds  int           `yaml:"window_seconds"`
	OpenTimeout    time.Duration `yaml:"open_timeout"`
}

// IsEnabled reports whether the upstream breaker is on (defaults to true when nil).
func (b BreakerConfig) IsEnabled() bool { return b.Enabled == nil || *b.Enabled }

// EmitterConfig holds the gateway's telemetry emitter settings.
type EmitterConfig struct {
	Enabled       *bool         `yaml:"enabled"` // nil = true
	AnalyticsURL  string        `yaml:"analytics_url"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	QueueCapacity int           `yaml:"queue_capacity"`
}

// IsEnabled reports whether telemetry emission is on (defaults to true when nil).
func (e EmitterConfig) IsEnabled() bool { return e.Enabled == nil || *e.Enabled }

// RouteEntry maps a path prefix to an upstream backend.
type RouteEntry struct {
	ID          string `yaml:"id"`
	Prefix      string `yaml:"prefix"`
	StripPrefix int    `yaml:"strip_prefix"` // leading path segments to drop before forwarding
	URL         string `yaml:"url"`
}

// AnalyticsConfig holds analytics-side settings.
type AnalyticsConfig struct {
	Database DatabaseConfig `yaml:"database"`
	Batch    BatchConfig    `yaml:"batch"`
	Queue    QueueConfig    `yaml:"queue"`
	Workers  int            `yaml:"workers"`
	Metrics  EngineConfig   `yaml:"metrics"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// BatchConfig holds raw-event sink flush settings.
type BatchConfig struct {
	Size          int           `yaml:"size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// QueueConfig holds the bounded ingestion queue capacity.
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

// EngineConfig holds sliding-window aggregation settings.
type EngineConfig struct {
	WindowSeconds       int           `yaml:"window_seconds"`
	AggregationInterval time.Duration `yaml:"aggregation_interval"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
// Defaults are applied before parsing; zero or absent capacities fall back to
// the defaults rather than producing an unbounded or unusable queue.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyFallbacks()
	return cfg, nil
}

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Gateway: GatewayConfig{
			Auth: AuthConfig{
				SkipPaths: []string{"/healthz", "/readyz", "/metrics"},
			},
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 60,
			},
			Breaker: BreakerConfig{
				ErrorThreshold: 0.30,
				MinSamples:     10,
				WindowSeconds:  60,
				OpenTimeout:    30 * time.Second,
			},
			Emitter: EmitterConfig{
				AnalyticsURL:  "http://localhost:9000/api/v1/telemetry",
				BatchSize:     1000,
				FlushInterval: 500 * time.Millisecond,
				QueueCapacity: 1_000_000,
			},
		},
		Analytics: AnalyticsConfig{
			Database: DatabaseConfig{DSN: "pulse.db"},
			Batch: BatchConfig{
				Size:          5000,
				FlushInterval: 500 * time.Millisecond,
			},
			Queue:   QueueConfig{Capacity: 1_000_000},
			Workers: 8,
			Metrics: EngineConfig{
				WindowSeconds:       60,
				AggregationInterval: 2 * time.Second,
			},
		},
	}
}

// applyFallbacks restores defaults for values that parsed to zero.
func (c *Config) applyFallbacks() {
	d := Default()
	if c.Gateway.Emitter.QueueCapacity <= 0 {
		c.Gateway.Emitter.QueueCapacity = d.Gateway.Emitter.QueueCapacity
	}
	if c.Gateway.Emitter.BatchSize <= 0 {
		c.Gateway.Emitter.BatchSize = d.Gateway.Emitter.BatchSize
	}
	if c.Gateway.Emitter.FlushInterval <= 0 {
		c.Gateway.Emitter.FlushInterval = d.Gateway.Emitter.FlushInterval
	}
	if c.Gateway.RateLimit.RequestsPerMinute <= 0 {
		c.Gateway.RateLimit.RequestsPerMinute = d.Gateway.RateLimit.RequestsPerMinute
	}
	if c.Gateway.Breaker.ErrorThreshold <= 0 {
		c.Gateway.Breaker.ErrorThreshold = d.Gateway.Breaker.ErrorThreshold
	}
	if c.Gateway.Breaker.MinSamples <= 0 {
		c.Gateway.Breaker.MinSamples = d.Gateway.Breaker.MinSamples
	}
	if c.Gateway.Breaker.WindowSeconds <= 0 {
		c.Gateway.Breaker.WindowSeconds = d.Gateway.Breaker.WindowSeconds
	}
	if c.Gateway.Breaker.OpenTimeout <= 0 {
		c.Gateway.Breaker.OpenTimeout = d.Gateway.Breaker.OpenTimeout
	}
	if c.Analytics.Queue.Capacity <= 0 {
		c.Analytics.Queue.Capacity = d.Analytics.Queue.Capacity
	}
	if c.Analytics.Batch.Size <= 0 {
		c.Analytics.Batch.Size = d.Analytics.Batch.Size
	}
	if c.Analytics.Batch.FlushInterval <= 0 {
		c.Analytics.Batch.FlushInterval = d.Analytics.Batch.FlushInterval
	}
	if c.Analytics.Workers <= 0 {
		c.Analytics.Workers = d.Analytics.Workers
	}
	if c.Analytics.Metrics.WindowSeconds <= 0 {
		c.Analytics.Metrics.WindowSeconds = d.Analytics.Metrics.WindowSeconds
	}
	if c.Analytics.Metrics.AggregationInterval <= 0 {
		c.Analytics.Metrics.AggregationInterval = d.Analytics.Metrics.AggregationInterval
	}
}

// ValidateGateway checks settings the gateway cannot start without.
func (c *Config) ValidateGateway() error {
	if len(c.Gateway.Routes) == 0 {
		return fmt.Errorf("gateway: at least one route is required")
	}
	for i, r := range c.Gateway.Routes {
		if r.Prefix == "" {
			return fmt.Errorf("gateway: route %d: prefix is required", i)
		}
		if r.URL == "" {
			return fmt.Errorf("gateway: route %q: backend url is required", r.ID)
		}
	}
	if c.Gateway.Emitter.IsEnabled() && c.Gateway.Emitter.AnalyticsURL == "" {
		return fmt.Errorf("gateway: emitter enabled but analytics_url is empty")
	}
	return nil
}
