// Package config loads runtime configuration from YAML or JSON/JSON5
// files with environment-variable expansion.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level runtime configuration.
type Config struct {
	Runtime       RuntimeConfig       `yaml:"runtime" json:"runtime"`
	Resources     ResourcesConfig     `yaml:"resources" json:"resources"`
	Enforcement   EnforcementConfig   `yaml:"enforcement" json:"enforcement"`
	Policy        PolicyConfig        `yaml:"policy" json:"policy"`
	Circuit       CircuitConfig       `yaml:"circuit_breaker" json:"circuit_breaker"`
	KeyStore      KeyStoreConfig      `yaml:"key_store" json:"key_store"`
	Audit         AuditConfig         `yaml:"audit" json:"audit"`
	Persistence   PersistenceConfig   `yaml:"persistence" json:"persistence"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	Provider      ProviderConfig      `yaml:"provider" json:"provider"`
}

// RuntimeConfig holds scheduler and loop defaults.
type RuntimeConfig struct {
	MaxConcurrentAgents int      `yaml:"max_concurrent_agents" json:"max_concurrent_agents"`
	TickInterval        Duration `yaml:"tick_interval" json:"tick_interval"`
	MaxIterations       int      `yaml:"max_iterations" json:"max_iterations"`
	MaxTotalTokens      int      `yaml:"max_total_tokens" json:"max_total_tokens"`
	ToolTimeout         Duration `yaml:"tool_timeout" json:"tool_timeout"`
	MetricsInterval     Duration `yaml:"metrics_interval" json:"metrics_interval"`
}

// ResourcesConfig sizes total capacity.
type ResourcesConfig struct {
	TotalMemoryMB         uint64   `yaml:"total_memory_mb" json:"total_memory_mb"`
	TotalCPUCores         float64  `yaml:"total_cpu_cores" json:"total_cpu_cores"`
	TotalDiskIOMbps       uint64   `yaml:"total_disk_io_mbps" json:"total_disk_io_mbps"`
	TotalNetworkIOMbps    uint64   `yaml:"total_network_io_mbps" json:"total_network_io_mbps"`
	ReservationPercentage float64  `yaml:"reservation_percentage" json:"reservation_percentage"`
	MonitoringInterval    Duration `yaml:"monitoring_interval" json:"monitoring_interval"`
}

// EnforcementConfig selects the verification enforcement mode.
type EnforcementConfig struct {
	// Mode is strict, permissive, or audit_only.
	Mode string `yaml:"mode" json:"mode"`
}

// PolicyConfig locates the policy file.
type PolicyConfig struct {
	Path        string   `yaml:"path" json:"path"`
	WatchReload bool     `yaml:"watch_reload" json:"watch_reload"`
	DefaultDeny *bool    `yaml:"default_deny" json:"default_deny"`
	CacheTTL    Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// CircuitConfig tunes default circuit breakers.
type CircuitConfig struct {
	FailureThreshold int      `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenMaxCalls int      `yaml:"half_open_max_calls" json:"half_open_max_calls"`
}

// KeyStoreConfig locates the TOFU pin store.
type KeyStoreConfig struct {
	Path string `yaml:"path" json:"path"`
}

// AuditConfig controls the event logger and chain persistence.
type AuditConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Level     string `yaml:"level" json:"level"`
	ChainPath string `yaml:"chain_path" json:"chain_path"`
}

// PersistenceConfig selects the optional KV backend.
type PersistenceConfig struct {
	// Backend is "memory", "sqlite", or empty for none.
	Backend string `yaml:"backend" json:"backend"`
	Path    string `yaml:"path" json:"path"`
}

// ObservabilityConfig controls logging.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`
}

// ProviderConfig selects and configures the inference provider.
type ProviderConfig struct {
	Kind   string `yaml:"kind" json:"kind"`
	APIKey string `yaml:"api_key" json:"api_key"`
	Model  string `yaml:"model" json:"model"`
}

// Default returns a development-friendly configuration.
func Default() Config {
	return Config{
		Runtime: RuntimeConfig{
			MaxConcurrentAgents: 10,
			TickInterval:        Duration(100 * time.Millisecond),
			MaxIterations:       10,
			MaxTotalTokens:      100000,
			ToolTimeout:         Duration(30 * time.Second),
			MetricsInterval:     Duration(time.Minute),
		},
		Resources: ResourcesConfig{
			TotalMemoryMB:         8192,
			TotalCPUCores:         8,
			TotalDiskIOMbps:       500,
			TotalNetworkIOMbps:    500,
			ReservationPercentage: 0.1,
			MonitoringInterval:    Duration(5 * time.Second),
		},
		Enforcement: EnforcementConfig{Mode: "strict"},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  Duration(30 * time.Second),
			HalfOpenMaxCalls: 2,
		},
		Audit:         AuditConfig{Enabled: true, Level: "info"},
		Observability: ObservabilityConfig{LogLevel: "info", LogFormat: "json"},
	}
}

// Validate rejects configurations the runtime cannot start with.
// Configuration errors are fatal at startup, never recovered.
func (c *Config) Validate() error {
	if c.Runtime.MaxConcurrentAgents <= 0 {
		return fmt.Errorf("runtime.max_concurrent_agents must be positive")
	}
	if c.Runtime.MaxIterations <= 0 {
		return fmt.Errorf("runtime.max_iterations must be positive")
	}
	switch c.Enforcement.Mode {
	case "strict", "permissive", "audit_only":
	default:
		return fmt.Errorf("enforcement.mode %q is not one of strict, permissive, audit_only", c.Enforcement.Mode)
	}
	if c.Resources.ReservationPercentage < 0 || c.Resources.ReservationPercentage >= 1 {
		return fmt.Errorf("resources.reservation_percentage must be in [0, 1)")
	}
	switch c.Persistence.Backend {
	case "", "memory", "sqlite":
	default:
		return fmt.Errorf("persistence.backend %q is not one of memory, sqlite", c.Persistence.Backend)
	}
	if c.Persistence.Backend == "sqlite" && c.Persistence.Path == "" {
		return fmt.Errorf("persistence.path is required for the sqlite backend")
	}
	return nil
}
