package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_CreatesTemplatesAndAppliesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	for _, name := range []string{"config.toml", "credentials.toml"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s template: %v", name, err)
		}
	}
	if cfg.Scheduler.LookaheadMinutes != 3 {
		t.Errorf("LookaheadMinutes = %d, want 3", cfg.Scheduler.LookaheadMinutes)
	}
	if cfg.Scheduler.TickInterval != 20*time.Second {
		t.Errorf("TickInterval = %s, want 20s", cfg.Scheduler.TickInterval)
	}
	if cfg.Risk.DuplicateStrategy != "TIME_AND_SYMBOL" {
		t.Errorf("DuplicateStrategy = %s", cfg.Risk.DuplicateStrategy)
	}
	if cfg.Store.Path != filepath.Join(dir, "executor.db") {
		t.Errorf("Store.Path = %s", cfg.Store.Path)
	}
}

func TestLoad_ReadsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	body := `
[scheduler]
lookahead_minutes = 5
tick_interval = "15s"

[risk]
duplicate_strategy = "EXACT_MATCH"
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KITE_API_KEY", "kite-key")
	t.Setenv("EXECUTOR_EXECUTION_QUEUE_WORKERS", "3")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scheduler.LookaheadMinutes != 5 || cfg.Scheduler.TickInterval != 15*time.Second {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Risk.DuplicateStrategy != "EXACT_MATCH" {
		t.Errorf("DuplicateStrategy = %s", cfg.Risk.DuplicateStrategy)
	}
	if cfg.Credentials.Kite.APIKey != "kite-key" {
		t.Errorf("Kite.APIKey = %q", cfg.Credentials.Kite.APIKey)
	}
	if cfg.Execution.QueueWorkers != 3 {
		t.Errorf("QueueWorkers = %d, want 3", cfg.Execution.QueueWorkers)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"inverted window", func(c *Config) { c.Scheduler.WindowStart, c.Scheduler.WindowEnd = "15:30", "09:00" }},
		{"zero lookahead", func(c *Config) { c.Scheduler.LookaheadMinutes = 0 }},
		{"minute tick", func(c *Config) { c.Scheduler.TickInterval = time.Minute }},
		{"unknown duplicate strategy", func(c *Config) { c.Risk.DuplicateStrategy = "FUZZY" }},
		{"redis without url", func(c *Config) { c.Execution.Dedup = "redis" }},
		{"no workers", func(c *Config) { c.Execution.QueueWorkers = 0 }},
		{"unknown notify level", func(c *Config) { c.Notify.Level = "loud" }},
		{"malformed holiday", func(c *Config) { c.Scheduler.Holidays = []string{"14/10/2024"} }},
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}
