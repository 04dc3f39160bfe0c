package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadYAMLWithEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  port: "9090"
  refreshInterval: 3s
backend: remote
redis:
  addr: localhost:6379
  readTimeout: 750ms
quiz:
  ttl: 5m
log:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9090" || cfg.Backend != BackendRemote {
		t.Fatalf("unexpected server/backend %+v", cfg)
	}
	if cfg.Redis.Addr != "redis:6380" {
		t.Fatalf("expected env override for redis addr, got %s", cfg.Redis.Addr)
	}
	if cfg.Redis.ReadTimeout != "750ms" || cfg.Redis.WriteTimeout != "" {
		t.Fatalf("unexpected redis timeouts %+v", cfg.Redis)
	}
	if cfg.Log.Level != "warn" || cfg.Log.Format != "json" {
		t.Fatalf("unexpected log config %+v", cfg.Log)
	}
	if got := TTLDuration(cfg.Server.RefreshInterval, time.Second); got != 3*time.Second {
		t.Fatalf("unexpected refresh interval %v", got)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "8080" || cfg.Backend != BackendLocal || cfg.Local.Path != "quizroom.db" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestTTLDuration(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
	}{
		{"", time.Minute},
		{"bogus", time.Minute},
		{"30s", 30 * time.Second},
	}
	for _, tc := range cases {
		if got := TTLDuration(tc.raw, time.Minute); got != tc.want {
			t.Errorf("TTLDuration(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}
