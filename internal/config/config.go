// Package config handles loading, validating, and writing the auditchain
// server configuration from <data-dir>/config.yaml.
//
// The config defines:
//   - Server bind address (host:port)
//   - Storage file name for the SQLite audit database
//   - Auth (admin API key for cross-tenant reads)
//   - Per-key rate limit
//   - Dashboard toggle
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level auditchain server configuration.
// Loaded from <data-dir>/config.yaml, with sensible defaults for fields
// that are not explicitly set.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
	Limits    LimitsConfig    `yaml:"limits"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// ServerConfig defines where the API server listens.
// Default: 127.0.0.1:8440 — audit ingest should sit behind the
// application's own network boundary, never on 0.0.0.0 by default.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig names the SQLite database file, relative to the data
// directory unless absolute.
type StorageConfig struct {
	File string `yaml:"file"`
}

// AuthConfig holds the admin API key. Tenant keys live in tenants.yaml;
// the admin key additionally authorizes cross-tenant reads and verify runs.
type AuthConfig struct {
	AdminKey string `yaml:"admin_key"`
}

// LimitsConfig bounds request rates per API key.
type LimitsConfig struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
}

// DashboardConfig controls the operations dashboard served at /dashboard.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file — use defaults. Normal on first run before
			// `auditchain config init` creates the file.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `auditchain config init` and
// `auditchain config edit` when no config file exists yet.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# auditchain server configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 8440)
#
# storage:
#   file: SQLite database file, relative to the data directory
#
# auth:
#   admin_key: API key authorizing cross-tenant reads and verification
#
# limits:
#   requestsPerMinute: Per-API-key fixed-window rate limit
#
# dashboard:
#   enabled: Serve the operations dashboard at /dashboard on the same port

`
	return os.WriteFile(path, []byte(header+string(data)), 0o600)
}

// applyDefaults returns a Config with all fields set to their defaults.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8440,
		},
		Storage: StorageConfig{
			File: "audit.db",
		},
		Limits: LimitsConfig{
			RequestsPerMinute: 120,
		},
		Dashboard: DashboardConfig{
			Enabled: true,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.Storage.File == "" {
		return fmt.Errorf("storage.file must not be empty")
	}
	if cfg.Limits.RequestsPerMinute < 0 {
		return fmt.Errorf("limits.requestsPerMinute must be non-negative")
	}
	return nil
}
