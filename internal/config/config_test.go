package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegis.yaml")
	doc := `runtime:
  max_concurrent_agents: 3
  tick_interval: 50ms
enforcement:
  mode: permissive
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Runtime.MaxConcurrentAgents != 3 {
		t.Errorf("max_concurrent_agents = %d, want 3", cfg.Runtime.MaxConcurrentAgents)
	}
	if cfg.Runtime.TickInterval.D() != 50*time.Millisecond {
		t.Errorf("tick_interval = %s, want 50ms", cfg.Runtime.TickInterval)
	}
	// Untouched sections keep defaults.
	if cfg.Circuit.FailureThreshold != 5 {
		t.Errorf("failure_threshold = %d, want default 5", cfg.Circuit.FailureThreshold)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_PROVIDER_KEY", "sk-from-env")

	path := filepath.Join(t.TempDir(), "aegis.yaml")
	doc := `provider:
  kind: anthropic
  api_key: ${TEST_PROVIDER_KEY}
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q, want expanded env value", cfg.Provider.APIKey)
	}
}

func TestLoad_JSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegis.json5")
	doc := `{
  // comments are allowed in json5
  runtime: {max_concurrent_agents: 7, max_iterations: 4},
}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Runtime.MaxConcurrentAgents != 7 {
		t.Errorf("max_concurrent_agents = %d, want 7", cfg.Runtime.MaxConcurrentAgents)
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Runtime.MaxConcurrentAgents = 0 }},
		{"bad mode", func(c *Config) { c.Enforcement.Mode = "yolo" }},
		{"reservation out of range", func(c *Config) { c.Resources.ReservationPercentage = 1.5 }},
		{"sqlite without path", func(c *Config) { c.Persistence.Backend = "sqlite"; c.Persistence.Path = "" }},
		{"unknown backend", func(c *Config) { c.Persistence.Backend = "postgres" }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}
