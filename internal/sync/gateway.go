// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

package sync

import (
	"context"
	"fmt"
	gosync "sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/haulstack/trailwatch/internal/config"
	"github.com/haulstack/trailwatch/internal/models"
)

// ProviderGateway abstracts a telematics vendor API. Implementations hold
// their own credentials; callers never pass them per-request.
type ProviderGateway interface {
	// TestConnection verifies credentials and reachability. A non-nil result
	// is returned even when err is non-nil so callers can surface the raw
	// outcome.
	TestConnection(ctx context.Context) (*models.TestResult, error)

	// FetchFullData retrieves all trailer records, identity and location.
	FetchFullData(ctx context.Context) ([]models.TrailerRecord, error)

	// FetchLocations retrieves location-only records for trailers the
	// vendor currently tracks.
	FetchLocations(ctx context.Context) ([]models.LocationRecord, error)
}

// GatewayProvider builds gateways for configured providers. Satisfied by
// *GatewayFactory in production and by fakes in tests.
type GatewayProvider interface {
	Gateway(provider *models.Provider) (ProviderGateway, error)
	Forget(providerID uuid.UUID)
}

// Credentials is the decrypted credential payload stored per provider.
type Credentials struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

// GatewayFactory decrypts provider credentials and constructs HTTP gateways
// wrapped in a per-provider circuit breaker. Gateways are cached so breaker
// state survives across sync cycles.
type GatewayFactory struct {
	encryptor *config.CredentialEncryptor
	cfg       config.SyncConfig

	mu    gosync.Mutex
	cache map[uuid.UUID]ProviderGateway
}

func NewGatewayFactory(encryptor *config.CredentialEncryptor, cfg config.SyncConfig) *GatewayFactory {
	return &GatewayFactory{
		encryptor: encryptor,
		cfg:       cfg,
		cache:     make(map[uuid.UUID]ProviderGateway),
	}
}

// Gateway returns the cached gateway for the provider, building one on first
// use. Credential decryption failures are returned as-is; they indicate a
// misconfigured master secret, not a vendor problem.
func (f *GatewayFactory) Gateway(provider *models.Provider) (ProviderGateway, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if gw, ok := f.cache[provider.ID]; ok {
		return gw, nil
	}

	plaintext, err := f.encryptor.Decrypt(provider.Credentials)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials for provider %s: %w", provider.ID, err)
	}

	var creds Credentials
	if err := json.Unmarshal([]byte(plaintext), &creds); err != nil {
		return nil, fmt.Errorf("parse credentials for provider %s: %w", provider.ID, err)
	}

	client, err := NewTelematicsClient(provider.Vendor, creds, f.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}

	gw := NewBreakerGateway(provider.ID.String(), client)
	f.cache[provider.ID] = gw
	return gw, nil
}

// Forget drops the cached gateway, forcing a rebuild on next use. Called
// after credential rotation.
func (f *GatewayFactory) Forget(providerID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cache, providerID)
}
