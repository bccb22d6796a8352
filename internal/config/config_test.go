package config

import (
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("POSTGRES_HOST", "testhost")
	t.Setenv("EXECUTOR_BACKOFF_UNIT", "500ms")
	t.Setenv("BLIZZARD_REGION", "EU")
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "0.75")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}
	if cfg.Database.Postgres.Host != "testhost" {
		t.Errorf("Database.Postgres.Host = %v, want %v", cfg.Database.Postgres.Host, "testhost")
	}
	if cfg.Executor.BackoffUnit != 500*time.Millisecond {
		t.Errorf("Executor.BackoffUnit = %v, want %v", cfg.Executor.BackoffUnit, 500*time.Millisecond)
	}
	if cfg.Blizzard.APIBaseURL != "https://eu.api.blizzard.com" {
		t.Errorf("Blizzard.APIBaseURL = %v, want %v", cfg.Blizzard.APIBaseURL, "https://eu.api.blizzard.com")
	}
	if cfg.Breaker.FailureThreshold != 0.75 {
		t.Errorf("Breaker.FailureThreshold = %v, want %v", cfg.Breaker.FailureThreshold, 0.75)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Executor.MaxAttempts != 25 {
		t.Errorf("Executor.MaxAttempts = %v, want 25", cfg.Executor.MaxAttempts)
	}
	if cfg.Tokens.SafetyMargin != 60*time.Second {
		t.Errorf("Tokens.SafetyMargin = %v, want 60s", cfg.Tokens.SafetyMargin)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Errorf("Queue.MaxRetries = %v, want 3", cfg.Queue.MaxRetries)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{name: "zero workers", mutate: func(c *Config) { c.Queue.Workers = 0 }, wantErr: true},
		{name: "unknown token store", mutate: func(c *Config) { c.Tokens.Store = "memcached" }, wantErr: true},
		{name: "composite without verb", mutate: func(c *Config) { c.Icons.CompositeFormat = "Glory" }, wantErr: true},
		{name: "zero backoff unit", mutate: func(c *Config) { c.Executor.BackoffUnit = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig()
			if err != nil {
				t.Fatalf("LoadConfig() error = %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetEnvAsInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "forty-two")

	if got := getEnvAsInt("TEST_INT", 1); got != 42 {
		t.Errorf("getEnvAsInt() = %v, want 42", got)
	}
	if got := getEnvAsInt("TEST_BAD_INT", 1); got != 1 {
		t.Errorf("getEnvAsInt() = %v, want 1", got)
	}
	if got := getEnvAsInt("TEST_MISSING_INT", 7); got != 7 {
		t.Errorf("getEnvAsInt() = %v, want 7", got)
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	t.Setenv("TEST_DURATION", "90s")

	if got := getEnvAsDuration("TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("getEnvAsDuration() = %v, want 90s", got)
	}
	if got := getEnvAsDuration("TEST_MISSING_DURATION", time.Second); got != time.Second {
		t.Errorf("getEnvAsDuration() = %v, want 1s", got)
	}
}
