// Package config defines the Foreman application configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Foreman configuration.
type Config struct {
	Server   ServerConfig  `json:"server" yaml:"server"`
	Auth     AuthConfig    `json:"auth" yaml:"auth"`
	Runner   RunnerConfig  `json:"runner" yaml:"runner"`
	Storage  StorageConfig `json:"storage" yaml:"storage"`
	LogLevel string        `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls client session authentication and the runner
// webhook credential.
type AuthConfig struct {
	JWTSecret    string `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser    string `json:"admin_user" yaml:"admin_user"`
	AdminPass    string `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
	WebhookToken string `json:"webhook_token" yaml:"webhook_token"`
}

// RunnerConfig describes the external execution engine.
type RunnerConfig struct {
	URL             string            `json:"url" yaml:"url"` // base URL; empty disables dispatch
	Token           string            `json:"token" yaml:"token"`
	DispatchTimeout time.Duration     `json:"dispatch_timeout" yaml:"dispatch_timeout"`
	CancelTimeout   time.Duration     `json:"cancel_timeout" yaml:"cancel_timeout"`
	RepoTokens      map[string]string `json:"repo_tokens,omitempty" yaml:"repo_tokens"` // repo URL -> installation credential
}

// StorageConfig selects the thread store backend.
type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" or "postgres"
	Path   string `json:"path" yaml:"path"`     // sqlite database file
	DSN    string `json:"dsn" yaml:"dsn"`       // postgres connection string
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
		},
		Runner: RunnerConfig{
			DispatchTimeout: 10 * time.Second,
			CancelTimeout:   5 * time.Second,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./foreman.db",
		},
		LogLevel: "info",
	}
}

// Load reads a YAML config file and returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
