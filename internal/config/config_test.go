package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.OutputBufferLimit != 500 {
		t.Fatalf("expected default buffer limit 500, got %d", cfg.OutputBufferLimit)
	}
	if cfg.DedupeWindow != 50 {
		t.Fatalf("expected default dedupe window 50, got %d", cfg.DedupeWindow)
	}
	if cfg.DedupePrefixLen != 200 {
		t.Fatalf("expected default dedupe prefix 200, got %d", cfg.DedupePrefixLen)
	}
	if cfg.SocketPath == "" || cfg.DBPath == "" {
		t.Fatalf("expected non-empty default paths")
	}
}

func TestLoadFileOverlaysOnlyPresentKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devboard.yaml")
	data := []byte("db_path: /tmp/custom.db\ndedupe_window: 10\nterminate_grace: 2s\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path, DefaultConfig())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBPath != "/tmp/custom.db" {
		t.Fatalf("expected db_path overridden, got %q", cfg.DBPath)
	}
	if cfg.DedupeWindow != 10 {
		t.Fatalf("expected dedupe_window=10, got %d", cfg.DedupeWindow)
	}
	if cfg.TerminateGrace != 2*time.Second {
		t.Fatalf("expected terminate_grace=2s, got %s", cfg.TerminateGrace)
	}
	if cfg.OutputBufferLimit != 500 {
		t.Fatalf("absent key must keep default, got %d", cfg.OutputBufferLimit)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"), DefaultConfig()); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadFileInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte(":\n\t- nope"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFile(path, DefaultConfig()); err == nil {
		t.Fatalf("expected parse error")
	}
}
