// Package config loads engine configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// StateStoreConfig selects where activity snapshots are persisted.
type StateStoreConfig struct {
	// Driver is one of "memory", "redis", "postgres".
	Driver string `yaml:"driver"`
	// DSN is the connection string for redis/postgres drivers.
	DSN string `yaml:"dsn"`
	// KeyPrefix namespaces snapshot keys (redis driver).
	KeyPrefix string `yaml:"key_prefix"`
}

// EngineConfig holds runtime toggles for process runs.
type EngineConfig struct {
	// Step disables auto-advance; the driver steps activities manually.
	Step bool `yaml:"step"`
}

// TelemetryConfig configures metrics and tracing endpoints.
type TelemetryConfig struct {
	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint; empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
	// OTLPEndpoint is the OTLP/HTTP trace collector endpoint; empty
	// disables tracing.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Config is the central configuration struct.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Engine     EngineConfig     `yaml:"engine"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	StateStore StateStoreConfig `yaml:"state_store"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Engine:   EngineConfig{Step: false},
		StateStore: StateStoreConfig{
			Driver:    "memory",
			KeyPrefix: "vela:state:",
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("VELA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VELA_STEP"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Engine.Step = b
		}
	}
	if v := os.Getenv("VELA_METRICS_ADDR"); v != "" {
		cfg.Telemetry.MetricsAddr = v
	}
	if v := os.Getenv("VELA_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("VELA_STATE_DRIVER"); v != "" {
		cfg.StateStore.Driver = v
	}
	if v := os.Getenv("VELA_STATE_DSN"); v != "" {
		cfg.StateStore.DSN = v
	}
}
