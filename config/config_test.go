package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Runner.DispatchTimeout != 10*time.Second {
		t.Errorf("DispatchTimeout = %v, want 10s", cfg.Runner.DispatchTimeout)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.yaml")
	data := `
server:
  addr: ":8888"
auth:
  webhook_token: hook-token
runner:
  url: https://runner.internal
  repo_tokens:
    https://github.com/acme/widgets: ghs_abc
storage:
  driver: postgres
  dsn: postgres://localhost/foreman
log_level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8888" {
		t.Errorf("Addr = %q, want :8888", cfg.Server.Addr)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN == "" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	// Unset fields keep their defaults.
	if cfg.Runner.DispatchTimeout != 10*time.Second {
		t.Errorf("DispatchTimeout = %v, want default 10s", cfg.Runner.DispatchTimeout)
	}
	if got := cfg.Runner.RepoTokens["https://github.com/acme/widgets"]; got != "ghs_abc" {
		t.Errorf("repo token = %q, want ghs_abc", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
