// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nexuscrm/agentusage/domain/tier"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AGENTUSAGE_"

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Anomaly    AnomalyConfig    `yaml:"anomaly"`
	Alerts     RetentionConfig  `yaml:"alerts"`
	Usage      RetentionConfig  `yaml:"usage"`
	Live       LiveConfig       `yaml:"live"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	OpenAPI    OpenAPIConfig    `yaml:"openapi"`
	Tiers      []tier.Limit     `yaml:"tiers"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig configures storage.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	DSN    string `yaml:"dsn"`
}

// IngestConfig configures the event ingestor.
type IngestConfig struct {
	MaxPastSkew        time.Duration `yaml:"max_past_skew"`
	MaxFutureSkew      time.Duration `yaml:"max_future_skew"`
	WebhookSecret      string        `yaml:"webhook_secret,omitempty"`
	SignatureTolerance time.Duration `yaml:"signature_tolerance"`
	MaxBodyBytes       int64         `yaml:"max_body_bytes"`
}

// AggregatorConfig configures the partitioned aggregation pipeline.
type AggregatorConfig struct {
	Partitions int         `yaml:"partitions"`
	QueueSize  int         `yaml:"queue_size"`
	Retry      RetryConfig `yaml:"retry"`
}

// RetryConfig configures exponential backoff on transient storage errors.
type RetryConfig struct {
	Initial     time.Duration `yaml:"initial"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// AnomalyConfig configures the periodic anomaly pass.
type AnomalyConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	LookbackDays int           `yaml:"lookback_days"`
	Deadline     time.Duration `yaml:"deadline"`
	HighSigma    float64       `yaml:"high_sigma"`
	MediumSigma  float64       `yaml:"medium_sigma"`
}

// RetentionConfig configures how long records are kept.
type RetentionConfig struct {
	Retention time.Duration `yaml:"retention"`
}

// LiveConfig configures the live broadcast feed.
type LiveConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	MaxDrops     int           `yaml:"max_drops"`
	PingInterval time.Duration `yaml:"ping_interval"`
	Grace        time.Duration `yaml:"grace"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// OpenAPIConfig configures the API description and Swagger UI.
type OpenAPIConfig struct {
	Enabled bool `yaml:"enabled"` // Serve /.well-known/openapi.json and /swagger/
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, then applies env overrides and defaults.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	cfg := Config{
		Anomaly: AnomalyConfig{Enabled: true},
		Metrics: MetricsConfig{Enabled: true},
		OpenAPI: OpenAPIConfig{Enabled: true},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadFromEnv creates configuration from defaults and environment variables.
//
// Environment variables:
//
//	AGENTUSAGE_SERVER_HOST       - Server host (default: 0.0.0.0)
//	AGENTUSAGE_SERVER_PORT       - Server port (default: 8080)
//	AGENTUSAGE_DATABASE_DRIVER   - sqlite or memory (default: sqlite)
//	AGENTUSAGE_DATABASE_DSN      - Database path (default: agentusage.db)
//	AGENTUSAGE_WEBHOOK_SECRET    - Shared secret for signed ingestion
//	AGENTUSAGE_AGGREGATOR_PARTITIONS - Aggregator worker count (default: 8)
//	AGENTUSAGE_ANOMALY_ENABLED   - Run the anomaly pass (default: true)
//	AGENTUSAGE_ANOMALY_INTERVAL  - Anomaly pass interval (default: 15m)
//	AGENTUSAGE_LOG_LEVEL         - debug, info, warn, error (default: info)
//	AGENTUSAGE_LOG_FORMAT        - json or console (default: json)
//	AGENTUSAGE_METRICS_ENABLED   - Enable /metrics (default: true)
//	AGENTUSAGE_OPENAPI_ENABLED   - Enable OpenAPI/Swagger (default: true)
func LoadFromEnv() (*Config, error) {
	return Parse(nil)
}

// LoadWithFallback loads the file when it exists, else falls back to the
// environment.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

func applyEnvOverrides(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	flag := func(name string, dst *bool) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = parseBool(v)
		}
	}

	str("SERVER_HOST", &cfg.Server.Host)
	num("SERVER_PORT", &cfg.Server.Port)
	dur("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	dur("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)

	str("DATABASE_DRIVER", &cfg.Database.Driver)
	str("DATABASE_DSN", &cfg.Database.DSN)

	str("WEBHOOK_SECRET", &cfg.Ingest.WebhookSecret)
	dur("INGEST_MAX_PAST_SKEW", &cfg.Ingest.MaxPastSkew)
	dur("INGEST_MAX_FUTURE_SKEW", &cfg.Ingest.MaxFutureSkew)

	num("AGGREGATOR_PARTITIONS", &cfg.Aggregator.Partitions)
	num("AGGREGATOR_QUEUE_SIZE", &cfg.Aggregator.QueueSize)

	flag("ANOMALY_ENABLED", &cfg.Anomaly.Enabled)
	dur("ANOMALY_INTERVAL", &cfg.Anomaly.Interval)
	num("ANOMALY_LOOKBACK_DAYS", &cfg.Anomaly.LookbackDays)

	dur("ALERTS_RETENTION", &cfg.Alerts.Retention)
	dur("USAGE_RETENTION", &cfg.Usage.Retention)

	num("LIVE_QUEUE_SIZE", &cfg.Live.QueueSize)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)

	flag("METRICS_ENABLED", &cfg.Metrics.Enabled)
	str("METRICS_PATH", &cfg.Metrics.Path)

	flag("OPENAPI_ENABLED", &cfg.OpenAPI.Enabled)
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "agentusage.db"
	}

	if cfg.Ingest.MaxPastSkew == 0 {
		cfg.Ingest.MaxPastSkew = 7 * 24 * time.Hour
	}
	if cfg.Ingest.MaxFutureSkew == 0 {
		cfg.Ingest.MaxFutureSkew = 5 * time.Minute
	}
	if cfg.Ingest.SignatureTolerance == 0 {
		cfg.Ingest.SignatureTolerance = 300 * time.Second
	}
	if cfg.Ingest.MaxBodyBytes == 0 {
		cfg.Ingest.MaxBodyBytes = 1 << 20
	}

	if cfg.Aggregator.Partitions == 0 {
		cfg.Aggregator.Partitions = 8
	}
	if cfg.Aggregator.QueueSize == 0 {
		cfg.Aggregator.QueueSize = 1024
	}
	if cfg.Aggregator.Retry.Initial == 0 {
		cfg.Aggregator.Retry.Initial = 50 * time.Millisecond
	}
	if cfg.Aggregator.Retry.Multiplier == 0 {
		cfg.Aggregator.Retry.Multiplier = 2
	}
	if cfg.Aggregator.Retry.MaxAttempts == 0 {
		cfg.Aggregator.Retry.MaxAttempts = 5
	}

	if cfg.Anomaly.Interval == 0 {
		cfg.Anomaly.Interval = 15 * time.Minute
	}
	if cfg.Anomaly.LookbackDays == 0 {
		cfg.Anomaly.LookbackDays = 7
	}
	if cfg.Anomaly.Deadline == 0 {
		cfg.Anomaly.Deadline = 2 * time.Minute
	}
	if cfg.Anomaly.HighSigma == 0 {
		cfg.Anomaly.HighSigma = 2
	}
	if cfg.Anomaly.MediumSigma == 0 {
		cfg.Anomaly.MediumSigma = 1
	}

	if cfg.Alerts.Retention == 0 {
		cfg.Alerts.Retention = 30 * 24 * time.Hour
	}
	if cfg.Usage.Retention == 0 {
		cfg.Usage.Retention = 90 * 24 * time.Hour
	}

	if cfg.Live.QueueSize == 0 {
		cfg.Live.QueueSize = 64
	}
	if cfg.Live.MaxDrops == 0 {
		cfg.Live.MaxDrops = 1
	}
	if cfg.Live.PingInterval == 0 {
		cfg.Live.PingInterval = 30 * time.Second
	}
	if cfg.Live.Grace == 0 {
		cfg.Live.Grace = 75 * time.Second
	}
	if cfg.Live.WriteTimeout == 0 {
		cfg.Live.WriteTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if len(cfg.Tiers) == 0 {
		cfg.Tiers = tier.DefaultLimits()
	}
	for i := range cfg.Tiers {
		cfg.Tiers[i].Name = tier.Name(strings.ToLower(string(cfg.Tiers[i].Name)))
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be 'sqlite' or 'memory', got %q", cfg.Database.Driver)
	}

	if cfg.Ingest.MaxPastSkew < 0 || cfg.Ingest.MaxFutureSkew < 0 {
		return fmt.Errorf("ingest skew windows must not be negative")
	}

	if cfg.Aggregator.Partitions < 1 {
		return fmt.Errorf("aggregator.partitions must be positive")
	}
	if cfg.Aggregator.QueueSize < 1 {
		return fmt.Errorf("aggregator.queue_size must be positive")
	}
	if cfg.Aggregator.Retry.MaxAttempts < 1 {
		return fmt.Errorf("aggregator.retry.max_attempts must be positive")
	}
	if cfg.Aggregator.Retry.Multiplier < 1 {
		return fmt.Errorf("aggregator.retry.multiplier must be at least 1")
	}

	if cfg.Anomaly.LookbackDays < 2 {
		return fmt.Errorf("anomaly.lookback_days must be at least 2")
	}
	if cfg.Anomaly.MediumSigma > cfg.Anomaly.HighSigma {
		return fmt.Errorf("anomaly.medium_sigma must not exceed high_sigma")
	}
	if cfg.Anomaly.Deadline > cfg.Anomaly.Interval {
		return fmt.Errorf("anomaly.deadline must not exceed anomaly.interval")
	}

	if cfg.Live.QueueSize < 1 || cfg.Live.MaxDrops < 1 {
		return fmt.Errorf("live.queue_size and live.max_drops must be positive")
	}
	if cfg.Live.Grace <= cfg.Live.PingInterval {
		return fmt.Errorf("live.grace must exceed live.ping_interval")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	if err := tier.Validate(cfg.Tiers); err != nil {
		return fmt.Errorf("tiers: %w", err)
	}
	return nil
}
