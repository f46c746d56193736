// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaultsRequiresAPIKeys(t *testing.T) {
	os.Unsetenv("LANGSMITH_OLD_API_KEY")
	os.Unsetenv("LANGSMITH_NEW_API_KEY")
	if _, err := Load("nonexistent.yaml", "LANGSMITH"); err == nil {
		t.Fatal("expected error for missing api keys")
	}
}

func TestLoadEnvOverlay(t *testing.T) {
	os.Setenv("LANGSMITH_OLD_API_KEY", "src-key")
	os.Setenv("LANGSMITH_NEW_API_KEY", "dst-key")
	os.Setenv("LANGSMITH_OLD_BASE_URL", "https://old.example.com")
	os.Setenv("MIGRATION_BATCH_SIZE", "250")
	defer func() {
		os.Unsetenv("LANGSMITH_OLD_API_KEY")
		os.Unsetenv("LANGSMITH_NEW_API_KEY")
		os.Unsetenv("LANGSMITH_OLD_BASE_URL")
		os.Unsetenv("MIGRATION_BATCH_SIZE")
	}()

	cfg, err := Load("nonexistent.yaml", "LANGSMITH")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Source.APIKey != "src-key" || cfg.Destination.APIKey != "dst-key" {
		t.Fatalf("expected api keys from env, got %+v", cfg)
	}
	if cfg.Source.BaseURL != "https://old.example.com" {
		t.Fatalf("expected base url from env, got %q", cfg.Source.BaseURL)
	}
	if cfg.Migration.BatchSize != 250 {
		t.Fatalf("expected batch size 250, got %d", cfg.Migration.BatchSize)
	}
	if cfg.Migration.ConcurrentWorkers != 4 {
		t.Fatalf("expected default worker count 4, got %d", cfg.Migration.ConcurrentWorkers)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Source.APIKey = "x"
	cfg.Destination.APIKey = "y"

	cfg.Migration.BatchSize = 1001
	if errs := Validate(cfg); len(errs) == 0 {
		t.Fatal("expected error for batch_size > 1000")
	}

	cfg.Migration.BatchSize = 100
	cfg.Migration.ConcurrentWorkers = 0
	if errs := Validate(cfg); len(errs) == 0 {
		t.Fatal("expected error for concurrent_workers <= 0")
	}

	cfg.Migration.ConcurrentWorkers = 4
	cfg.Migration.RateLimitDelaySeconds = -1
	if errs := Validate(cfg); len(errs) == 0 {
		t.Fatal("expected error for negative rate_limit_delay_seconds")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := defaultConfig()
	cfg.Migration.BatchSize = 2000
	cfg.Migration.ConcurrentWorkers = -1
	errs := Validate(cfg)
	// api_key missing (x2) + batch size + workers == 4 errors
	if len(errs) != 4 {
		t.Fatalf("expected 4 validation errors, got %d: %v", len(errs), errs)
	}
}
