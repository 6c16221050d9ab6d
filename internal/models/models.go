// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

// Package models defines the core domain types shared across Trailwatch:
// telematics providers, trailers, users, and the normalized records
// exchanged with vendor gateways.
package models

import (
	"time"

	"github.com/google/uuid"
)

// ProviderStatus is the lifecycle state of a configured telematics provider.
type ProviderStatus string

const (
	ProviderStatusConnected    ProviderStatus = "connected"
	ProviderStatusDisconnected ProviderStatus = "disconnected"
	ProviderStatusError        ProviderStatus = "error"
)

// VendorType identifies a supported telematics vendor.
type VendorType string

const (
	VendorSkyTrack   VendorType = "skytrack"
	VendorFleetPulse VendorType = "fleetpulse"
	VendorOmniTrace  VendorType = "omnitrace"
)

// Provider is a configured telematics integration for one company.
type Provider struct {
	ID        uuid.UUID  `json:"id"`
	TenantID  string     `json:"tenant_id"`
	CompanyID string     `json:"company_id"`
	Vendor    VendorType `json:"vendor"`

	// Credentials holds the encrypted credential payload. Only the config
	// package's CredentialEncryptor can read it.
	Credentials string `json:"credentials"`

	Status       ProviderStatus `json:"status"`
	LastSyncAt   *time.Time     `json:"last_sync_at,omitempty"`
	LastError    *string        `json:"last_error,omitempty"`
	TrailerCount int            `json:"trailer_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LocationSource says where a trailer's current location came from.
type LocationSource string

const (
	LocationSourceGPS    LocationSource = "gps"
	LocationSourceManual LocationSource = "manual"
)

// GPSStatus is the tracking state of a trailer's device.
type GPSStatus string

const (
	GPSStatusConnected    GPSStatus = "connected"
	GPSStatusDisconnected GPSStatus = "disconnected"
)

// Trailer is a tracked fleet asset.
type Trailer struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   string     `json:"tenant_id"`
	CompanyID  string     `json:"company_id"`
	ProviderID *uuid.UUID `json:"provider_id,omitempty"`

	// Identity tiers, strongest first. DeviceID and VIN may be absent for
	// manually entered assets; UnitNumber is always present and unique
	// within a tenant.
	DeviceID   *string `json:"device_id,omitempty"`
	VIN        *string `json:"vin,omitempty"`
	UnitNumber string  `json:"unit_number"`

	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Address   string   `json:"address,omitempty"`

	LocationSource    LocationSource `json:"location_source"`
	LocationUpdatedAt *time.Time     `json:"location_updated_at,omitempty"`

	// ManualOverride pins the location against GPS updates until a newer
	// GPS observation supersedes it.
	ManualOverride bool   `json:"manual_override"`
	LocationNotes  string `json:"location_notes,omitempty"`

	GPSStatus GPSStatus `json:"gps_status"`

	NextServiceAt  *time.Time `json:"next_service_at,omitempty"`
	MaintenanceDue bool       `json:"maintenance_due"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User is a fleet account whose providers are refreshed on schedule.
type User struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	CompanyID string `json:"company_id"`
	Active    bool   `json:"active"`
}

// LocationSample is one observed location for a trailer, from GPS or a
// manual entry, before conflict resolution.
type LocationSample struct {
	Source     LocationSource `json:"source"`
	Latitude   float64        `json:"latitude"`
	Longitude  float64        `json:"longitude"`
	Address    string         `json:"address,omitempty"`
	ObservedAt *time.Time     `json:"observed_at,omitempty"`
	Notes      string         `json:"notes,omitempty"`
}

// TrailerRecord is a normalized full record fetched from a vendor:
// identity plus the latest observed location.
type TrailerRecord struct {
	DeviceID   string     `json:"device_id"`
	VIN        string     `json:"vin,omitempty"`
	UnitNumber string     `json:"unit_number"`
	Latitude   *float64   `json:"latitude,omitempty"`
	Longitude  *float64   `json:"longitude,omitempty"`
	Address    string     `json:"address,omitempty"`
	ObservedAt *time.Time `json:"observed_at,omitempty"`
}

// LocationRecord is a normalized location-only record fetched from a vendor.
type LocationRecord struct {
	DeviceID   string     `json:"device_id"`
	VIN        string     `json:"vin,omitempty"`
	Latitude   *float64   `json:"latitude,omitempty"`
	Longitude  *float64   `json:"longitude,omitempty"`
	Address    string     `json:"address,omitempty"`
	ObservedAt *time.Time `json:"observed_at,omitempty"`
}

// TestResult is the outcome of a provider credential test.
type TestResult struct {
	Success      bool   `json:"success"`
	TrailerCount int    `json:"trailer_count"`
	Error        string `json:"error,omitempty"`
}

// SyncResult summarizes one sync or refresh run.
type SyncResult struct {
	Created      int           `json:"created"`
	Updated      int           `json:"updated"`
	Skipped      int           `json:"skipped"`
	Disconnected int           `json:"disconnected"`
	TotalFetched int           `json:"total_fetched"`
	Duration     time.Duration `json:"duration"`
	Errors       []string      `json:"errors,omitempty"`
}
