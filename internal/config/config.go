// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Clamp bounds for the completion-backend request timeout.
const (
	minBackendTimeout = 100 * time.Millisecond
	maxBackendTimeout = 120 * time.Second
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// Default relay list used when an init request does not supply one.
	RelayURLs []string

	// Completion backend.
	BackendBaseURL     string
	BackendToken       string
	BackendPrimaryPath string
	BackendLegacyPath  string
	BackendTimeout     time.Duration

	// Lifecycle and session tuning.
	BootDelay    time.Duration
	SessionTTL   time.Duration
	HistoryLimit int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		FrontendURL:        getEnv("FRONTEND_URL", ""),
		DBPath:             getEnv("DB_PATH", "./data/pikabot.db"),
		RelayURLs:          splitList(getEnv("RELAY_URLS", "ws://127.0.0.1:18080")),
		BackendBaseURL:     getEnv("BACKEND_BASE_URL", "http://127.0.0.1:8787"),
		BackendToken:       getEnv("BACKEND_TOKEN", ""),
		BackendPrimaryPath: getEnv("BACKEND_PRIMARY_PATH", "/v1/agent/replies"),
		BackendLegacyPath:  getEnv("BACKEND_LEGACY_PATH", "/v1/agent/chat"),
		BackendTimeout:     getEnvDuration("BACKEND_TIMEOUT", 15*time.Second),
		BootDelay:          getEnvDuration("BOOT_DELAY", 5*time.Second),
		SessionTTL:         getEnvDuration("SESSION_TTL", 30*time.Minute),
		HistoryLimit:       getEnvInt("HISTORY_LIMIT", 40),
	}

	// The backend timeout is clamped rather than rejected: an out-of-range
	// value should degrade to a usable one, not keep the bridge from starting.
	if cfg.BackendTimeout < minBackendTimeout {
		cfg.BackendTimeout = minBackendTimeout
	}
	if cfg.BackendTimeout > maxBackendTimeout {
		cfg.BackendTimeout = maxBackendTimeout
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if len(c.RelayURLs) == 0 {
		return fmt.Errorf("RELAY_URLS cannot be empty")
	}
	if c.BackendBaseURL == "" {
		return fmt.Errorf("BACKEND_BASE_URL cannot be empty")
	}
	if !strings.HasPrefix(c.BackendPrimaryPath, "/") {
		return fmt.Errorf("BACKEND_PRIMARY_PATH must start with /")
	}
	if !strings.HasPrefix(c.BackendLegacyPath, "/") {
		return fmt.Errorf("BACKEND_LEGACY_PATH must start with /")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
