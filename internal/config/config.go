// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	DBPath          string
	WorkspaceRoot   string
	ProviderTimeout time.Duration
	WarnRatio       float64
	OverflowRatio   float64
	ReapInterval    time.Duration
	ReapThreshold   time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		FrontendURL:     getEnv("FRONTEND_URL", ""),
		DBPath:          getEnv("DB_PATH", "./data/chatcore.db"),
		WorkspaceRoot:   getEnv("WORKSPACE_ROOT", "./data/workspaces"),
		ProviderTimeout: getEnvDuration("PROVIDER_TIMEOUT", 120*time.Second),
		WarnRatio:       getEnvFloat("CONTEXT_WARN_RATIO", 0.70),
		OverflowRatio:   getEnvFloat("CONTEXT_OVERFLOW_RATIO", 0.95),
		ReapInterval:    getEnvDuration("REAPER_INTERVAL", 60*time.Second),
		ReapThreshold:   getEnvDuration("REAPER_THRESHOLD", 300*time.Second),
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
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("WORKSPACE_ROOT cannot be empty")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be > 0")
	}
	if c.WarnRatio <= 0 || c.WarnRatio >= 1 {
		return fmt.Errorf("CONTEXT_WARN_RATIO must be between 0 and 1")
	}
	if c.OverflowRatio <= c.WarnRatio || c.OverflowRatio > 1 {
		return fmt.Errorf("CONTEXT_OVERFLOW_RATIO must be between CONTEXT_WARN_RATIO and 1")
	}
	if c.ReapInterval <= 0 {
		return fmt.Errorf("REAPER_INTERVAL must be > 0")
	}
	if c.ReapThreshold <= 0 {
		return fmt.Errorf("REAPER_THRESHOLD must be > 0")
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

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}
