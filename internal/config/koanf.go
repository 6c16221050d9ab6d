// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/trailwatch/config.yaml",
	"/etc/trailwatch/config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config struct with all default values. Defaults are
// applied first, then overridden by the config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    3941,
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Store: StoreConfig{
			Path:     "/data/trailwatch",
			InMemory: false,
		},
		Sync: SyncConfig{
			RetryAttempts:      5,
			RetryDelay:         2 * time.Second,
			TestRetryAttempts:  2,
			TestRetryDelay:     1 * time.Second,
			InterProviderDelay: 2 * time.Second,
			RequestTimeout:     30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			LocationInterval:    1 * time.Hour,
			MaintenanceInterval: 24 * time.Hour,
			InterUserDelay:      2 * time.Second,
		},
		RateLimit: RateLimitConfig{
			TenantMaxOps: 10,
			TenantWindow: 60 * time.Second,
			UserMaxOps:   5,
			UserWindow:   60 * time.Second,
			QueueMaxWait: 2 * time.Minute,
			InterOpDelay: 1 * time.Second,
			HTTPRequests: 100,
			HTTPWindow:   time.Minute,
			HTTPDisabled: false,
		},
		Geocode: GeocodeConfig{
			BaseURL:   "https://nominatim.openstreetmap.org",
			UserAgent: "trailwatch/1.0 (fleet sync)",
			Timeout:   10 * time.Second,
		},
		Security: SecurityConfig{
			MasterSecret: "",
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in values from defaultConfig
//  2. Config file: optional YAML file (if one exists)
//  3. Environment variables: override any setting
//
// Precedence: ENV > file > defaults.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Environment variable names map to koanf paths by section prefix:
	// SYNC_RETRY_ATTEMPTS -> sync.retry_attempts
	// RATE_LIMIT_TENANT_MAX_OPS -> rate_limit.tenant_max_ops
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// envSections maps known environment variable prefixes to koanf sections.
// Longer prefixes are listed first so RATE_LIMIT_ wins over no match.
var envSections = []struct {
	prefix  string
	section string
}{
	{"RATE_LIMIT_", "rate_limit."},
	{"SCHEDULER_", "scheduler."},
	{"SECURITY_", "security."},
	{"GEOCODE_", "geocode."},
	{"LOGGING_", "logging."},
	{"SERVER_", "server."},
	{"STORE_", "store."},
	{"SYNC_", "sync."},
	{"LOG_", "logging."},
}

// envTransformFunc converts a recognized environment variable name to the
// corresponding koanf path. Unrecognized variables are skipped by returning
// an empty string, so the process environment cannot inject arbitrary keys.
func envTransformFunc(key string) string {
	for _, s := range envSections {
		if strings.HasPrefix(key, s.prefix) {
			return s.section + strings.ToLower(strings.TrimPrefix(key, s.prefix))
		}
	}
	return ""
}

// findConfigFile searches for a config file, honoring CONFIG_PATH first.
// Returns the path of the first file found, or empty string if none exists.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
