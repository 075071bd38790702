package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Expected default port 8080, got %s", cfg.Port)
	}
	if len(cfg.RelayURLs) == 0 {
		t.Error("Expected a default relay list")
	}
	if cfg.BackendTimeout != 15*time.Second {
		t.Errorf("Expected default backend timeout 15s, got %v", cfg.BackendTimeout)
	}
	if cfg.BootDelay != 5*time.Second {
		t.Errorf("Expected default boot delay 5s, got %v", cfg.BootDelay)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RELAY_URLS", "ws://a.test, ws://b.test ,")
	t.Setenv("SESSION_TTL", "10m")
	t.Setenv("HISTORY_LIMIT", "12")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.RelayURLs) != 2 || cfg.RelayURLs[0] != "ws://a.test" || cfg.RelayURLs[1] != "ws://b.test" {
		t.Errorf("Relay list not parsed: %v", cfg.RelayURLs)
	}
	if cfg.SessionTTL != 10*time.Minute {
		t.Errorf("Expected 10m session TTL, got %v", cfg.SessionTTL)
	}
	if cfg.HistoryLimit != 12 {
		t.Errorf("Expected history limit 12, got %d", cfg.HistoryLimit)
	}
}

func TestBackendTimeoutClamped(t *testing.T) {
	t.Setenv("BACKEND_TIMEOUT", "1ms")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.BackendTimeout != minBackendTimeout {
		t.Errorf("Expected clamp to %v, got %v", minBackendTimeout, cfg.BackendTimeout)
	}

	t.Setenv("BACKEND_TIMEOUT", "10h")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.BackendTimeout != maxBackendTimeout {
		t.Errorf("Expected clamp to %v, got %v", maxBackendTimeout, cfg.BackendTimeout)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Port:               "8080",
		DBPath:             "./data/test.db",
		RelayURLs:          []string{"ws://relay.test"},
		BackendBaseURL:     "http://backend.test",
		BackendPrimaryPath: "/v1/agent/replies",
		BackendLegacyPath:  "/v1/agent/chat",
		HistoryLimit:       40,
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}

	bad := *cfg
	bad.RelayURLs = nil
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for empty relay list")
	}

	bad = *cfg
	bad.BackendPrimaryPath = "no-slash"
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for path without leading slash")
	}
}
