// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

// Package store provides entity persistence for Trailwatch.
//
// The Repository interface is what the sync engine programs against; the
// Badger-backed implementation in badger.go is the production store. The
// sync engine never owns storage lifecycle: it reads records and proposes
// mutations through the update calls defined here.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/haulstack/trailwatch/internal/models"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicateUnit is returned by CreateTrailer when another trailer in
	// the same tenant already holds the unit number. Callers recover by
	// re-resolving the existing record and updating it instead; the error is
	// a tagged result, never derived from matching an error message string.
	ErrDuplicateUnit = errors.New("unit number already exists in tenant")
)

// Repository is the persistence boundary consumed by the sync engine.
type Repository interface {
	// Trailer lookups, in the order the sync matcher tries them.
	TrailerByDeviceID(ctx context.Context, tenantID, deviceID string) (*models.Trailer, error)
	TrailerByVIN(ctx context.Context, tenantID, vin string) (*models.Trailer, error)
	TrailerByUnitNumber(ctx context.Context, tenantID, unitNumber string) (*models.Trailer, error)
	TrailersByProvider(ctx context.Context, providerID uuid.UUID) ([]*models.Trailer, error)

	// CreateTrailer persists a new trailer. Returns ErrDuplicateUnit when
	// the (tenant, unit number) pair is already taken.
	CreateTrailer(ctx context.Context, trailer *models.Trailer) error
	UpdateTrailer(ctx context.Context, trailer *models.Trailer) error

	// MarkTrailerDisconnected flags a trailer's GPS feed as stale. Trailers
	// are never deleted by the sync engine.
	MarkTrailerDisconnected(ctx context.Context, id uuid.UUID) error

	Provider(ctx context.Context, id uuid.UUID) (*models.Provider, error)
	ProvidersByCompany(ctx context.Context, companyID string) ([]*models.Provider, error)
	SaveProvider(ctx context.Context, provider *models.Provider) error
	UpdateProviderStatus(ctx context.Context, id uuid.UUID, status models.ProviderStatus, trailerCount int, lastError *string) error

	User(ctx context.Context, id string) (*models.User, error)
	ListActiveUsers(ctx context.Context) ([]*models.User, error)
	SaveUser(ctx context.Context, user *models.User) error
}
