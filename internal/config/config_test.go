package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "conduit.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %s", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "logLevel: debug\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("got log level %q, want debug", cfg.LogLevel)
	}
	if cfg.Port != 5000 {
		t.Fatalf("got port %d, want default 5000", cfg.Port)
	}
	if cfg.Address != "127.0.0.1" {
		t.Fatalf("got address %q, want default 127.0.0.1", cfg.Address)
	}
	if cfg.SessionHeader != "mcp-session-id" {
		t.Fatalf("got session header %q, want default", cfg.SessionHeader)
	}
	if cfg.SessionTTL() != 1800*time.Second {
		t.Fatalf("got session TTL %s, want 1800s", cfg.SessionTTL())
	}
	if cfg.RequestTimeout() != 30*time.Second {
		t.Fatalf("got request timeout %s, want 30s", cfg.RequestTimeout())
	}
}

func TestLoadInterpolatesEnvVars(t *testing.T) {
	t.Setenv("CONDUIT_TEST_ADDR", "0.0.0.0")
	path := writeTempConfig(t, "address: ${CONDUIT_TEST_ADDR}\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if cfg.Address != "0.0.0.0" {
		t.Fatalf("got address %q, want interpolated 0.0.0.0", cfg.Address)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeTempConfig(t, "notARealKey: true\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected strict decoding to reject an unknown key")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}

func TestLoadPersistenceRequiresAdapterWhenEnabled(t *testing.T) {
	path := writeTempConfig(t, "persistence:\n  enabled: true\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error when persistence is enabled without an adapter")
	}
}
