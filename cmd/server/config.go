// Package main provides the ThreatWatch server CLI.
package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/good-yellow-bee/threatwatch/internal/pipeline"
)

// Environment variables carrying secrets. They override the file.
const (
	envClickHousePassword = "THREATWATCH_CLICKHOUSE_PASSWORD"
	envPostgresDSN        = "THREATWATCH_POSTGRES_DSN"
	envSlackWebhook       = "THREATWATCH_SLACK_WEBHOOK_URL"
)

// Config represents the server configuration.
type Config struct {
	Server        ServerConfig       `yaml:"server"`
	Logging       LoggingConfig      `yaml:"logging"`
	RawStore      RawStoreConfig     `yaml:"raw_store"`
	ThreatStore   ThreatStoreConfig  `yaml:"threat_store"`
	Pipeline      PipelineConfig     `yaml:"pipeline"`
	Scoring       ScoringConfig      `yaml:"scoring"`
	Notifications NotificationConfig `yaml:"notifications"`
	Sources       SourcesConfig      `yaml:"sources"`
	Verbose       bool               `yaml:"-"` // set via CLI flag
}

// ServerConfig contains HTTP settings.
type ServerConfig struct {
	HTTPAddress    string          `yaml:"http_address"`    // default :8080
	MetricsAddress string          `yaml:"metrics_address"` // e.g. :9090, empty disables
	RequestTimeout string          `yaml:"request_timeout"` // default 30s
	MaxBodyBytes   int64           `yaml:"max_body_bytes"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig sizes the per-IP ingest token bucket.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"` // 0 disables
	Burst     int     `yaml:"burst"`
}

// LoggingConfig selects the log handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// RawStoreConfig selects the raw event store.
type RawStoreConfig struct {
	Backend    string           `yaml:"backend"` // memory or clickhouse
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// ClickHouseConfig contains ClickHouse connection settings.
type ClickHouseConfig struct {
	Addresses     []string `yaml:"addresses"`
	Database      string   `yaml:"database"`
	Username      string   `yaml:"username"`
	Password      string   `yaml:"password"` // prefer THREATWATCH_CLICKHOUSE_PASSWORD
	MaxOpenConns  int      `yaml:"max_open_conns"`
	DialTimeout   string   `yaml:"dial_timeout"`
	Compression   bool     `yaml:"compression"`
	RetentionDays int      `yaml:"retention_days"` // 0 keeps raw events forever
}

// ThreatStoreConfig selects the relational threat store.
type ThreatStoreConfig struct {
	Backend  string         `yaml:"backend"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig contains SQLite settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains PostgreSQL settings.
type PostgresConfig struct {
	DSN             string `yaml:"dsn"` // prefer THREATWATCH_POSTGRES_DSN
	MaxConns        int32  `yaml:"max_conns"`
	MaxConnLifetime string `yaml:"max_conn_lifetime"`
}

// PipelineConfig holds the decision policy and concurrency limits. The
// policy fields are reloaded when the config file changes.
type PipelineConfig struct {
	pipeline.Policy    `yaml:",inline"`
	BatchConcurrency   int `yaml:"batch_concurrency"`
	ScoringConcurrency int `yaml:"scoring_concurrency"`
	EmbeddingWidth     int `yaml:"embedding_width"`
}

// ScoringConfig configures the scoring adapters.
type ScoringConfig struct {
	Anomaly    AnomalyConfig    `yaml:"anomaly"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Logs       LogsConfig       `yaml:"logs"`
}

// AnomalyConfig is the z-score baseline for network vectors.
type AnomalyConfig struct {
	Means       []float64 `yaml:"means"`
	Stddevs     []float64 `yaml:"stddevs"`
	Sensitivity float64   `yaml:"sensitivity"`
}

// ClassifierConfig holds traffic centroids.
type ClassifierConfig struct {
	Centroids []CentroidConfig `yaml:"centroids"`
	Scale     []float64        `yaml:"scale"`
}

// CentroidConfig is one labelled centroid.
type CentroidConfig struct {
	Label  string    `yaml:"label"`
	Center []float64 `yaml:"center"`
}

// LogsConfig selects the log severity analyzer.
type LogsConfig struct {
	Analyzer string       `yaml:"analyzer"` // level or rules
	Rules    []RuleConfig `yaml:"rules"`
}

// RuleConfig is one expression rule for the rules analyzer.
type RuleConfig struct {
	Label      string  `yaml:"label"`
	Expression string  `yaml:"expression"`
	Confidence float64 `yaml:"confidence"`
}

// NotificationConfig configures post-commit notification.
type NotificationConfig struct {
	RateLimit NotifyRateLimitConfig `yaml:"rate_limit"`
	NATS      NATSConfig            `yaml:"nats"`
	Slack     SlackConfig           `yaml:"slack"`
}

// NotifyRateLimitConfig limits outgoing notifications.
type NotifyRateLimitConfig struct {
	Enabled   bool    `yaml:"enabled"`
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Timeout string `yaml:"timeout"`
}

// SlackConfig configures the Slack webhook notifier.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"` // prefer THREATWATCH_SLACK_WEBHOOK_URL
}

// SourcesConfig lists log files tailed into the pipeline.
type SourcesConfig struct {
	Files []FileSourceConfig `yaml:"files"`
}

// FileSourceConfig is one tailed log file.
type FileSourceConfig struct {
	Path          string `yaml:"path"`
	FollowRotate  bool   `yaml:"follow_rotate"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval string `yaml:"flush_interval"`
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.setDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	cfg.applyEnv()
	return cfg
}

// setDefaults sets default values for missing config fields.
func (c *Config) setDefaults() {
	if c.Server.HTTPAddress == "" {
		c.Server.HTTPAddress = ":8080"
	}
	if c.Server.RequestTimeout == "" {
		c.Server.RequestTimeout = "30s"
	}
	if c.Server.RateLimit.PerSecond > 0 && c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = int(c.Server.RateLimit.PerSecond) * 2
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.RawStore.Backend == "" {
		c.RawStore.Backend = "memory"
	}
	ch := &c.RawStore.ClickHouse
	if len(ch.Addresses) == 0 {
		ch.Addresses = []string{"localhost:9000"}
	}
	if ch.Database == "" {
		ch.Database = "threatwatch"
	}
	if ch.Username == "" {
		ch.Username = "default"
	}
	if ch.DialTimeout == "" {
		ch.DialTimeout = "5s"
	}

	if c.ThreatStore.Backend == "" {
		c.ThreatStore.Backend = "sqlite"
	}
	if c.ThreatStore.SQLite.Path == "" {
		c.ThreatStore.SQLite.Path = "./data/threatwatch.db"
	}

	// Zero means unset; a threshold of exactly 0 cannot be configured.
	def := pipeline.DefaultPolicy()
	if c.Pipeline.AnomalyThreshold == 0 {
		c.Pipeline.AnomalyThreshold = def.AnomalyThreshold
	}
	if c.Pipeline.LogThreatSeverity == 0 {
		c.Pipeline.LogThreatSeverity = def.LogThreatSeverity
	}
	if c.Pipeline.LogConfidenceFallback == 0 {
		c.Pipeline.LogConfidenceFallback = def.LogConfidenceFallback
	}

	if len(c.Scoring.Anomaly.Means) == 0 && len(c.Scoring.Anomaly.Stddevs) == 0 {
		c.Scoring.Anomaly = defaultAnomalyConfig()
	}
	if len(c.Scoring.Classifier.Centroids) == 0 {
		c.Scoring.Classifier = defaultClassifierConfig()
	}
	if c.Scoring.Logs.Analyzer == "" {
		c.Scoring.Logs.Analyzer = "level"
	}

	if c.Notifications.NATS.Subject == "" {
		c.Notifications.NATS.Subject = "threats.created"
	}
	if c.Notifications.NATS.Timeout == "" {
		c.Notifications.NATS.Timeout = "5s"
	}

	for i := range c.Sources.Files {
		f := &c.Sources.Files[i]
		if f.BatchSize == 0 {
			f.BatchSize = 100
		}
		if f.FlushInterval == "" {
			f.FlushInterval = "5s"
		}
	}
}

// applyEnv overrides secrets from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv(envClickHousePassword); v != "" {
		c.RawStore.ClickHouse.Password = v
	}
	if v := os.Getenv(envPostgresDSN); v != "" {
		c.ThreatStore.Postgres.DSN = v
	}
	if v := os.Getenv(envSlackWebhook); v != "" {
		c.Notifications.Slack.WebhookURL = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.HTTPAddress == "" {
		return fmt.Errorf("server.http_address is required")
	}
	if err := validateDuration("server.request_timeout", c.Server.RequestTimeout); err != nil {
		return err
	}
	if c.Server.RateLimit.PerSecond < 0 {
		return fmt.Errorf("server.rate_limit.per_second must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	switch c.RawStore.Backend {
	case "memory":
	case "clickhouse":
		if err := validateDuration("raw_store.clickhouse.dial_timeout", c.RawStore.ClickHouse.DialTimeout); err != nil {
			return err
		}
	default:
		return fmt.Errorf("raw_store.backend must be memory or clickhouse, got %q", c.RawStore.Backend)
	}

	switch c.ThreatStore.Backend {
	case "sqlite":
		if c.ThreatStore.SQLite.Path == "" {
			return fmt.Errorf("threat_store.sqlite.path is required")
		}
	case "postgres":
		if c.ThreatStore.Postgres.DSN == "" {
			return fmt.Errorf("threat_store.postgres.dsn (or %s) is required", envPostgresDSN)
		}
		if lt := c.ThreatStore.Postgres.MaxConnLifetime; lt != "" {
			if err := validateDuration("threat_store.postgres.max_conn_lifetime", lt); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("threat_store.backend must be sqlite or postgres, got %q", c.ThreatStore.Backend)
	}

	if err := c.Pipeline.Policy.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	switch c.Scoring.Logs.Analyzer {
	case "level":
	case "rules":
		if len(c.Scoring.Logs.Rules) == 0 {
			return fmt.Errorf("scoring.logs.rules is required for the rules analyzer")
		}
	default:
		return fmt.Errorf("scoring.logs.analyzer must be level or rules, got %q", c.Scoring.Logs.Analyzer)
	}

	if c.Notifications.NATS.Enabled {
		if c.Notifications.NATS.URL == "" {
			return fmt.Errorf("notifications.nats.url is required when NATS is enabled")
		}
		if err := validateDuration("notifications.nats.timeout", c.Notifications.NATS.Timeout); err != nil {
			return err
		}
	}
	if c.Notifications.Slack.Enabled && c.Notifications.Slack.WebhookURL == "" {
		return fmt.Errorf("notifications.slack.webhook_url (or %s) is required when Slack is enabled", envSlackWebhook)
	}

	for i, f := range c.Sources.Files {
		if f.Path == "" {
			return fmt.Errorf("sources.files[%d].path is required", i)
		}
		if f.BatchSize < 0 {
			return fmt.Errorf("sources.files[%d].batch_size must not be negative", i)
		}
		if err := validateDuration(fmt.Sprintf("sources.files[%d].flush_interval", i), f.FlushInterval); err != nil {
			return err
		}
	}
	return nil
}

func validateDuration(field, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", field)
	}
	return nil
}

// mustDuration parses a duration already checked by Validate.
func mustDuration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}

// defaultAnomalyConfig is a baseline for typical flows: bytes sent and
// received, duration, protocol, then hour, minute and weekday.
func defaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		Means:       []float64{1500, 1500, 2, 6, 12, 30, 3},
		Stddevs:     []float64{4000, 4000, 10, 5, 7, 17.3, 2},
		Sensitivity: 3,
	}
}

func defaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		Centroids: []CentroidConfig{
			{Label: "normal", Center: []float64{1500, 1500, 2, 6, 12, 30, 3}},
			{Label: "ddos", Center: []float64{200, 50000, 0.1, 17, 12, 30, 3}},
			{Label: "data_exfiltration", Center: []float64{50000, 500, 60, 6, 3, 30, 3}},
			{Label: "port_scan", Center: []float64{60, 60, 0.01, 6, 12, 30, 3}},
		},
		Scale: []float64{4000, 4000, 10, 5, 7, 17.3, 2},
	}
}
