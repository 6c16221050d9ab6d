// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

// Package config provides layered configuration management for Trailwatch.
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables, an optional YAML config file,
// then built-in defaults. See koanf.go for the loader.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the Trailwatch server.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Store     StoreConfig     `koanf:"store"`
	Sync      SyncConfig      `koanf:"sync"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Geocode   GeocodeConfig   `koanf:"geocode"`
	Security  SecurityConfig  `koanf:"security"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout time.Duration `koanf:"timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// StoreConfig holds the embedded Badger store settings.
type StoreConfig struct {
	Path string `koanf:"path"`
	// InMemory runs Badger without disk persistence. Intended for tests.
	InMemory bool `koanf:"in_memory"`
}

// SyncConfig holds provider sync behavior.
type SyncConfig struct {
	// RetryAttempts and RetryDelay drive exponential backoff around
	// transient provider fetch failures.
	RetryAttempts int           `koanf:"retry_attempts" validate:"min=1"`
	RetryDelay    time.Duration `koanf:"retry_delay"`

	// TestRetryAttempts bounds credential test retries (fixed backoff).
	TestRetryAttempts int           `koanf:"test_retry_attempts" validate:"min=1"`
	TestRetryDelay    time.Duration `koanf:"test_retry_delay"`

	// InterProviderDelay spaces consecutive provider fetches within one run.
	InterProviderDelay time.Duration `koanf:"inter_provider_delay"`

	// RequestTimeout bounds a single provider HTTP request.
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// SchedulerConfig holds the background refresh timers.
type SchedulerConfig struct {
	// LocationInterval is the period of the location-only refresh lane.
	LocationInterval time.Duration `koanf:"location_interval"`
	// MaintenanceInterval is the period of the maintenance-alert lane.
	MaintenanceInterval time.Duration `koanf:"maintenance_interval"`
	// InterUserDelay spaces queued work for consecutive users of a tenant.
	InterUserDelay time.Duration `koanf:"inter_user_delay"`
}

// RateLimitConfig holds admission-control settings for scheduled work and
// the HTTP edge.
type RateLimitConfig struct {
	// TenantMaxOps / TenantWindow form the coarse per-tenant pre-check that
	// short-circuits over-budget tenants before queueing.
	TenantMaxOps int           `koanf:"tenant_max_ops" validate:"min=1"`
	TenantWindow time.Duration `koanf:"tenant_window"`

	// UserMaxOps / UserWindow bound queued per-user operations.
	UserMaxOps int           `koanf:"user_max_ops" validate:"min=1"`
	UserWindow time.Duration `koanf:"user_window"`

	// QueueMaxWait bounds how long a queued operation waits for allowance
	// before being re-queued at the tail.
	QueueMaxWait time.Duration `koanf:"queue_max_wait"`
	// InterOpDelay spaces consecutive executions drained from one queue.
	InterOpDelay time.Duration `koanf:"inter_op_delay"`

	// HTTP edge limiting (go-chi/httprate).
	HTTPRequests int           `koanf:"http_requests" validate:"min=1"`
	HTTPWindow   time.Duration `koanf:"http_window"`
	HTTPDisabled bool          `koanf:"http_disabled"`
}

// GeocodeConfig holds reverse-geocoding settings.
type GeocodeConfig struct {
	// BaseURL of the Nominatim-compatible reverse geocoding endpoint.
	BaseURL string `koanf:"base_url"`
	// UserAgent is required by public Nominatim instances.
	UserAgent string        `koanf:"user_agent"`
	Timeout   time.Duration `koanf:"timeout"`
}

// SecurityConfig holds secrets.
type SecurityConfig struct {
	// MasterSecret derives the AES key that encrypts provider credentials
	// at rest. Must be at least 32 characters in production.
	MasterSecret string `koanf:"master_secret"`
}

// Validate checks the configuration for invalid values. Struct-tag rules are
// enforced with go-playground/validator; cross-field rules are checked by hand.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.RateLimit.TenantWindow <= 0 {
		return fmt.Errorf("rate_limit.tenant_window must be positive")
	}
	if c.RateLimit.UserWindow <= 0 {
		return fmt.Errorf("rate_limit.user_window must be positive")
	}
	if c.Scheduler.LocationInterval <= 0 || c.Scheduler.MaintenanceInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be positive")
	}
	if c.Scheduler.MaintenanceInterval < c.Scheduler.LocationInterval {
		return fmt.Errorf("scheduler.maintenance_interval must not be shorter than location_interval")
	}
	if len(c.Security.MasterSecret) > 0 && len(c.Security.MasterSecret) < 32 {
		return fmt.Errorf("security.master_secret must be at least 32 characters")
	}
	return nil
}
