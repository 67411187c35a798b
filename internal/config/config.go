// Package config handles loading, validating, and writing the ClaimTrail
// configuration from ~/.claimtrail/config.yaml.
//
// The config defines:
//   - Server bind address (host:port)
//   - Audit store location (SQLite database path)
//   - Risk policy file location (policy.yaml)
//   - Dashboard toggle
//
// The chain secret is never stored in the YAML file. It is read from the
// CLAIMTRAIL_CHAIN_SECRET environment variable so it stays out of config
// backups and version control. Environment variables override YAML for
// the server fields as well (CLAIMTRAIL_HOST, CLAIMTRAIL_PORT).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the top-level ClaimTrail configuration.
// Loaded from ~/.claimtrail/config.yaml, with sensible defaults for
// fields that are not explicitly set, then overridden from the
// environment.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Policy    PolicyConfig    `yaml:"policy"`
	Dashboard DashboardConfig `yaml:"dashboard"`

	// ChainSecret keys the HMAC hash chain. Environment only — an
	// attacker who can read config.yaml must not be able to re-sign a
	// forged chain.
	ChainSecret string `yaml:"-" env:"CLAIMTRAIL_CHAIN_SECRET"`
}

// ServerConfig defines where the API server listens.
// Default: 127.0.0.1:3600 (loopback only — never bind to 0.0.0.0).
type ServerConfig struct {
	Host string `yaml:"host" env:"CLAIMTRAIL_HOST"`
	Port int    `yaml:"port" env:"CLAIMTRAIL_PORT"`
}

// StoreConfig locates the append-only event database.
type StoreConfig struct {
	Path string `yaml:"path" env:"CLAIMTRAIL_STORE"`
}

// PolicyConfig locates the risk policy file. The running server watches
// this file and hot-reloads classification rules when it changes.
type PolicyConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig controls the web dashboard served at /dashboard.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Dir returns the ClaimTrail config directory (~/.claimtrail),
// creating it if needed.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	dir := filepath.Join(home, ".claimtrail")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating config directory %s: %w", dir, err)
	}
	return dir, nil
}

// Load reads and parses config.yaml from the given path, then applies
// environment overrides. If the file doesn't exist, returns defaults
// (not an error). Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		// No config file — defaults plus environment. This is normal on
		// first run before `claimtrail config edit` creates the file.
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `claimtrail config edit` when no config
// file exists yet.
func WriteDefault(path string) error {
	cfg := applyDefaults(filepath.Dir(path))
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# ClaimTrail Configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3600)
#
# store:
#   path: SQLite database holding the append-only audit trail
#
# policy:
#   path: Risk policy file (hot-reloaded while the server runs)
#
# dashboard:
#   enabled: Serve web UI at /dashboard on the same port
#
# The chain secret is NOT configured here. Set CLAIMTRAIL_CHAIN_SECRET
# in the server's environment.

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default
// values, with file paths rooted in the given config directory.
func applyDefaults(dir string) *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3600,
		},
		Store: StoreConfig{
			Path: filepath.Join(dir, "audit.db"),
		},
		Policy: PolicyConfig{
			Path: filepath.Join(dir, "policy.yaml"),
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
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if cfg.Policy.Path == "" {
		return fmt.Errorf("policy.path must not be empty")
	}
	return nil
}
