package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	body := `{
		// local overrides
		assistant_name: "Nano",
		queue: { max_concurrent: 4 },
		timezone: "UTC",
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("NANOCLAW_MAX_ATTEMPTS", "5")
	t.Setenv("NANOCLAW_SECRET_ENV_ALLOWLIST", "ANTHROPIC_API_KEY, HOME")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AssistantName != "Nano" {
		t.Errorf("assistant_name = %q, want Nano", cfg.AssistantName)
	}
	if cfg.Queue.MaxConcurrent != 4 {
		t.Errorf("max_concurrent = %d, want 4", cfg.Queue.MaxConcurrent)
	}
	if cfg.Queue.MaxAttempts != 5 {
		t.Errorf("max_attempts = %d, want 5 (env override)", cfg.Queue.MaxAttempts)
	}
	want := []string{"ANTHROPIC_API_KEY", "HOME"}
	if len(cfg.SecretEnvAllowlist) != len(want) {
		t.Fatalf("secret allowlist = %v, want %v", cfg.SecretEnvAllowlist, want)
	}
	for i := range want {
		if cfg.SecretEnvAllowlist[i] != want[i] {
			t.Errorf("secret allowlist[%d] = %q, want %q", i, cfg.SecretEnvAllowlist[i], want[i])
		}
	}
	// Unset fields keep defaults.
	if cfg.Queue.IdleTimeoutSec != 300 {
		t.Errorf("idle_timeout_sec = %d, want default 300", cfg.Queue.IdleTimeoutSec)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AssistantName != "Andy" {
		t.Errorf("assistant_name = %q, want Andy", cfg.AssistantName)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty assistant name", func(c *Config) { c.AssistantName = "" }},
		{"zero concurrency", func(c *Config) { c.Queue.MaxConcurrent = 0 }},
		{"zero attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }},
		{"idle at hard wall", func(c *Config) {
			c.Queue.IdleTimeoutSec = c.Container.TimeoutSec
		}},
		{"idle above hard wall", func(c *Config) {
			c.Queue.IdleTimeoutSec = c.Container.TimeoutSec + 1
		}},
		{"empty store path", func(c *Config) { c.Paths.Store = "" }},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := Default()
	if got := cfg.IdleTimeout().Seconds(); got != 300 {
		t.Errorf("IdleTimeout = %vs, want 300s", got)
	}
	if got := cfg.CoalesceWindow().Milliseconds(); got != 500 {
		t.Errorf("CoalesceWindow = %vms, want 500ms", got)
	}
	if got := cfg.ContainerTimeout().Minutes(); got != 30 {
		t.Errorf("ContainerTimeout = %vm, want 30m", got)
	}
}
