// Copyright 2025 James Ross
// Package config loads the typed connection and migration-parameter
// records the engine runs on: source/destination API connections plus the
// migration-behavior knobs (batch size, concurrency, dry-run, etc).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Connection describes how to reach one side (source or destination) of
// the migration.
type Connection struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	VerifyTLS      bool          `mapstructure:"verify_tls"`
	TimeoutSeconds int           `mapstructure:"timeout_seconds"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

func (c Connection) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Migration holds the knobs that govern how the orchestrator drives a run.
type Migration struct {
	BatchSize            int     `mapstructure:"batch_size"`
	ConcurrentWorkers     int     `mapstructure:"concurrent_workers"`
	DryRun                bool    `mapstructure:"dry_run"`
	SkipExisting          bool    `mapstructure:"skip_existing"`
	ResumeOnError         bool    `mapstructure:"resume_on_error"`
	Verbose               bool    `mapstructure:"verbose"`
	ChunkSize             int     `mapstructure:"chunk_size"`
	RateLimitDelaySeconds float64 `mapstructure:"rate_limit_delay_seconds"`
}

func (m Migration) RateLimitDelay() time.Duration {
	return time.Duration(m.RateLimitDelaySeconds * float64(time.Second))
}

// Config is the full typed configuration for one migration run: a source
// connection, a destination connection, and the migration parameters that
// apply across every kind migrator.
type Config struct {
	Source      Connection `mapstructure:"source"`
	Destination Connection `mapstructure:"destination"`
	Migration   Migration  `mapstructure:"migration"`
	LogLevel    string     `mapstructure:"log_level"`
}

func defaultConfig() *Config {
	return &Config{
		Source: Connection{
			VerifyTLS:      true,
			TimeoutSeconds: 30,
			MaxRetries:     3,
		},
		Destination: Connection{
			VerifyTLS:      true,
			TimeoutSeconds: 30,
			MaxRetries:     3,
		},
		Migration: Migration{
			BatchSize:             100,
			ConcurrentWorkers:     4,
			RateLimitDelaySeconds: 0.1,
		},
		LogLevel: "info",
	}
}

// Load reads configuration from an optional YAML file and overlays it with
// environment variables; env vars always win, matching spec.md §6. prefix
// is the environment variable prefix used for the API-key/base-URL/verify
// pair (e.g. "LANGSMITH"), so <PFX>_OLD_API_KEY / <PFX>_NEW_API_KEY, etc.
func Load(path, envPrefix string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}

	def := defaultConfig()
	v.SetDefault("source.verify_tls", def.Source.VerifyTLS)
	v.SetDefault("source.timeout_seconds", def.Source.TimeoutSeconds)
	v.SetDefault("source.max_retries", def.Source.MaxRetries)
	v.SetDefault("destination.verify_tls", def.Destination.VerifyTLS)
	v.SetDefault("destination.timeout_seconds", def.Destination.TimeoutSeconds)
	v.SetDefault("destination.max_retries", def.Destination.MaxRetries)
	v.SetDefault("migration.batch_size", def.Migration.BatchSize)
	v.SetDefault("migration.concurrent_workers", def.Migration.ConcurrentWorkers)
	v.SetDefault("migration.rate_limit_delay_seconds", def.Migration.RateLimitDelaySeconds)
	v.SetDefault("log_level", def.LogLevel)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnv(&cfg, envPrefix)

	if errs := Validate(&cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", joinErrors(errs))
	}
	return &cfg, nil
}

// applyEnv overlays the environment variables named in spec.md §6 on top of
// whatever the YAML file (or defaults) produced. These are read directly
// rather than through viper.AutomaticEnv because the two connections share
// differently-prefixed variable names (OLD_/NEW_) for the same field.
func applyEnv(cfg *Config, prefix string) {
	get := func(name string) (string, bool) {
		return os.LookupEnv(prefix + "_" + name)
	}

	if v, ok := get("OLD_API_KEY"); ok {
		cfg.Source.APIKey = v
	}
	if v, ok := get("NEW_API_KEY"); ok {
		cfg.Destination.APIKey = v
	}
	if v, ok := get("OLD_BASE_URL"); ok {
		cfg.Source.BaseURL = v
	}
	if v, ok := get("NEW_BASE_URL"); ok {
		cfg.Destination.BaseURL = v
	}
	if v, ok := get("VERIFY_SSL"); ok {
		b := strings.EqualFold(v, "true") || v == "1"
		cfg.Source.VerifyTLS = b
		cfg.Destination.VerifyTLS = b
	}

	if v, ok := os.LookupEnv("MIGRATION_BATCH_SIZE"); ok {
		if n, err := atoi(v); err == nil {
			cfg.Migration.BatchSize = n
		}
	}
	if v, ok := os.LookupEnv("MIGRATION_WORKERS"); ok {
		if n, err := atoi(v); err == nil {
			cfg.Migration.ConcurrentWorkers = n
		}
	}
	if v, ok := os.LookupEnv("MIGRATION_DRY_RUN"); ok {
		cfg.Migration.DryRun = strings.EqualFold(v, "true") || v == "1"
	}
	if v, ok := os.LookupEnv("MIGRATION_VERBOSE"); ok {
		cfg.Migration.Verbose = strings.EqualFold(v, "true") || v == "1"
	}
	if v, ok := os.LookupEnv("MIGRATION_SKIP_EXISTING"); ok {
		cfg.Migration.SkipExisting = strings.EqualFold(v, "true") || v == "1"
	}
	if v, ok := os.LookupEnv("MIGRATION_RATE_LIMIT_DELAY"); ok {
		if f, err := atof(v); err == nil {
			cfg.Migration.RateLimitDelaySeconds = f
		}
	}
}

// Validate checks config constraints and returns every violation found,
// rather than stopping at the first one, so an operator fixes the config
// in one pass (spec.md §4.6).
func Validate(cfg *Config) []error {
	var errs []error
	if cfg.Source.APIKey == "" {
		errs = append(errs, fmt.Errorf("source.api_key is required"))
	}
	if cfg.Destination.APIKey == "" {
		errs = append(errs, fmt.Errorf("destination.api_key is required"))
	}
	if cfg.Migration.BatchSize <= 0 || cfg.Migration.BatchSize > 1000 {
		errs = append(errs, fmt.Errorf("migration.batch_size must be in (0, 1000], got %d", cfg.Migration.BatchSize))
	}
	if cfg.Migration.ConcurrentWorkers <= 0 || cfg.Migration.ConcurrentWorkers > 10 {
		errs = append(errs, fmt.Errorf("migration.concurrent_workers must be in (0, 10], got %d", cfg.Migration.ConcurrentWorkers))
	}
	if cfg.Migration.RateLimitDelaySeconds < 0 {
		errs = append(errs, fmt.Errorf("migration.rate_limit_delay_seconds must be >= 0"))
	}
	if cfg.Source.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("source.timeout_seconds must be > 0"))
	}
	if cfg.Destination.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("destination.timeout_seconds must be > 0"))
	}
	return errs
}

func joinErrors(errs []error) string {
	var b strings.Builder
	for i, e := range errs {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(e.Error())
	}
	return b.String()
}

func atoi(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func atof(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	return f, err
}
