package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.WebSocketPath != "/ws" {
		t.Errorf("websocket path = %q, want /ws", cfg.Server.WebSocketPath)
	}
	if cfg.Guard.MaxCombinations != 10000 {
		t.Errorf("maxCombinations = %d, want 10000", cfg.Guard.MaxCombinations)
	}
	if cfg.Guard.HeartbeatInterval != 5*time.Second {
		t.Errorf("heartbeatInterval = %v, want 5s", cfg.Guard.HeartbeatInterval)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Log.Level)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("server:\n  port: 9999\nguard:\n  maxcombinations: 500\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Guard.MaxCombinations != 500 {
		t.Errorf("maxCombinations = %d, want 500", cfg.Guard.MaxCombinations)
	}
	// Untouched keys keep defaults
	if cfg.Guard.MaxWorkers != 8 {
		t.Errorf("maxWorkers = %d, want 8", cfg.Guard.MaxWorkers)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("guard:\n  maxcombinations: -1\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for negative maxCombinations")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
