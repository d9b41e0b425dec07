package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected http addr %q", cfg.HTTPAddr)
	}
	if cfg.Engine.Workers != 4 || cfg.Engine.FaultThreshold != 3 {
		t.Fatalf("unexpected engine defaults %+v", cfg.Engine)
	}
	if cfg.Engine.DefaultTimeout != 5*time.Second {
		t.Fatalf("unexpected default timeout %v", cfg.Engine.DefaultTimeout)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("ENGINE_WORKERS", "8")
	t.Setenv("ENGINE_SCRIPT_TIMEOUT", "500ms")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.Workers != 8 {
		t.Fatalf("env override lost, workers = %d", cfg.Engine.Workers)
	}
	if cfg.Engine.ScriptTimeout != 500*time.Millisecond {
		t.Fatalf("env override lost, script timeout = %v", cfg.Engine.ScriptTimeout)
	}
}

func TestLoad_YAMLOverridesEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	data := []byte("http_addr: \":9999\"\nengine:\n  workers: 16\n  queue_depth: 4096\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ENGINE_CONFIG", path)
	t.Setenv("ENGINE_WORKERS", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" || cfg.Engine.Workers != 16 || cfg.Engine.QueueDepth != 4096 {
		t.Fatalf("yaml override lost %+v", cfg)
	}
}

func TestLoad_InvalidRejected(t *testing.T) {
	t.Setenv("ENGINE_WORKERS", "-1")
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for negative workers")
	}
}
