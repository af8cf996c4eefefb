package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValidWithSecret(t *testing.T) {
	cfg := Default()
	cfg.Auth.Secret = "s"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.WS.QueueSize != 64 || cfg.WS.HistoryLimit != 50 || cfg.WS.MaxMessageLength != 2000 {
		t.Errorf("unexpected ws defaults %+v", cfg.WS)
	}
}

func TestDefaultRequiresSecretInJWTMode(t *testing.T) {
	err := Default().Validate()
	if err == nil || !strings.Contains(err.Error(), "auth.secret") {
		t.Fatalf("expected auth.secret error, got %v", err)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomcast.yaml")
	data := `
server:
  addr: ":9000"
storage:
  driver: sqlite
  sqlite_path: /tmp/chat.db
auth:
  mode: query
ws:
  history_limit: 10
  idle_timeout: 30s
assistant:
  enabled: true
  rooms: [general, help]
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("WS_HISTORY_LIMIT", "25")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("addr = %q, want :9000", cfg.Server.Addr)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.SQLitePath != "/tmp/chat.db" {
		t.Errorf("unexpected storage %+v", cfg.Storage)
	}
	if cfg.WS.HistoryLimit != 25 {
		t.Errorf("env should override yaml: history_limit = %d", cfg.WS.HistoryLimit)
	}
	if cfg.WS.IdleTimeout != 30*time.Second {
		t.Errorf("idle_timeout = %v, want 30s", cfg.WS.IdleTimeout)
	}
	if cfg.WS.QueueSize != 64 {
		t.Errorf("unset fields keep defaults: queue_size = %d", cfg.WS.QueueSize)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}
	if !cfg.Assistant.Enabled || len(cfg.Assistant.Rooms) != 2 || cfg.Assistant.Name != "@assistant" {
		t.Errorf("unexpected assistant %+v", cfg.Assistant)
	}
}

func TestLoadFromConfigFileEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomcast.yaml")
	os.WriteFile(path, []byte("auth:\n  mode: query\n"), 0o600)
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.Mode != "query" {
		t.Errorf("mode = %q, want query", cfg.Auth.Mode)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"redis without addr", func(c *Config) { c.Storage.Driver = "redis" }, "redis_addr"},
		{"unknown auth mode", func(c *Config) { c.Auth.Mode = "oauth" }, "auth.mode"},
		{"zero queue", func(c *Config) { c.WS.QueueSize = 0 }, "queue_size"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad trusted proxy", func(c *Config) { c.WS.TrustedProxies = []string{"10.0.0.0/8", "proxy.local"} }, "trusted_proxies"},
		{"assistant name", func(c *Config) { c.Assistant.Enabled = true; c.Assistant.Name = "bot" }, "assistant.name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.Secret = "s"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
