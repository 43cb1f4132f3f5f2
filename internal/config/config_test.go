package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rpipe.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "host: 10.0.0.5\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 6379 {
		t.Fatalf("got port %d, want default 6379", cfg.Port)
	}
	if cfg.CmdMaxSize != 500 {
		t.Fatalf("got cmdMaxSize %d, want default 500", cfg.CmdMaxSize)
	}
	if cfg.Addr() != "10.0.0.5:6379" {
		t.Fatalf("got addr %q", cfg.Addr())
	}
	d, err := cfg.CmdTimeoutDuration()
	if err != nil || d.String() != "10ms" {
		t.Fatalf("got cmdTimeout %v (%v), want 10ms", d, err)
	}
}

func TestLoadInvalidTraceConfig(t *testing.T) {
	path := writeTempConfig(t, "trace:\n  enabled: true\n  codec: snappy\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for unsupported trace codec")
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	path := writeTempConfig(t, "port: 0\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for port 0")
	}
}

func TestLoadShardsAndRateLimit(t *testing.T) {
	path := writeTempConfig(t, "shards:\n  - n1:6379\n  - n2:6379\nrateLimit:\n  perSecond: 50\n  burst: 10\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Shards) != 2 {
		t.Fatalf("got %d shards, want 2", len(cfg.Shards))
	}
	if !cfg.RateLimitEnabled() {
		t.Fatal("expected rate limit enabled")
	}
}
