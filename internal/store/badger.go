// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/haulstack/trailwatch/internal/config"
	"github.com/haulstack/trailwatch/internal/logging"
	"github.com/haulstack/trailwatch/internal/models"
)

// Key prefixes for BadgerDB storage. Secondary index keys store the primary
// trailer id as their value so lookups are two reads inside one view.
const (
	trailerKeyPrefix  = "trailer:"
	providerKeyPrefix = "provider:"
	userKeyPrefix     = "user:"

	idxDeviceKeyPrefix   = "idx:trailer:device:"   // idx:trailer:device:<tenant>:<device> -> id
	idxVINKeyPrefix      = "idx:trailer:vin:"      // idx:trailer:vin:<tenant>:<vin> -> id
	idxUnitKeyPrefix     = "idx:trailer:unit:"     // idx:trailer:unit:<tenant>:<unit> -> id
	idxProviderKeyPrefix = "idx:trailer:provider:" // idx:trailer:provider:<provider>:<id> -> id
	idxCompanyKeyPrefix  = "idx:provider:company:" // idx:provider:company:<company>:<id> -> id
)

// BadgerStore implements Repository on an embedded BadgerDB. Suitable for
// single-node deployments with persistence across restarts.
type BadgerStore struct {
	db *badger.DB
}

// Open opens (or creates) the Badger store described by cfg.
func Open(cfg config.StoreConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Bool("in_memory", cfg.InMemory).Msg("Store opened")
	return &BadgerStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func trailerKey(id uuid.UUID) []byte {
	return []byte(trailerKeyPrefix + id.String())
}

func deviceIdxKey(tenantID, deviceID string) []byte {
	return []byte(idxDeviceKeyPrefix + tenantID + ":" + deviceID)
}

func vinIdxKey(tenantID, vin string) []byte {
	return []byte(idxVINKeyPrefix + tenantID + ":" + vin)
}

func unitIdxKey(tenantID, unitNumber string) []byte {
	return []byte(idxUnitKeyPrefix + tenantID + ":" + unitNumber)
}

func providerIdxKey(providerID uuid.UUID, trailerID uuid.UUID) []byte {
	return []byte(idxProviderKeyPrefix + providerID.String() + ":" + trailerID.String())
}

// getJSON reads and unmarshals one value inside a transaction.
func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

// trailerByIndex resolves an index key to a trailer record.
func (s *BadgerStore) trailerByIndex(idxKey []byte) (*models.Trailer, error) {
	var trailer models.Trailer
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(idxKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var id []byte
		if id, err = item.ValueCopy(nil); err != nil {
			return err
		}
		return getJSON(txn, []byte(trailerKeyPrefix+string(id)), &trailer)
	})
	if err != nil {
		return nil, err
	}
	return &trailer, nil
}

// TrailerByDeviceID looks up a trailer by its provider device id within a tenant.
func (s *BadgerStore) TrailerByDeviceID(ctx context.Context, tenantID, deviceID string) (*models.Trailer, error) {
	if deviceID == "" {
		return nil, ErrNotFound
	}
	return s.trailerByIndex(deviceIdxKey(tenantID, deviceID))
}

// TrailerByVIN looks up a trailer by VIN within a tenant.
func (s *BadgerStore) TrailerByVIN(ctx context.Context, tenantID, vin string) (*models.Trailer, error) {
	if vin == "" {
		return nil, ErrNotFound
	}
	return s.trailerByIndex(vinIdxKey(tenantID, vin))
}

// TrailerByUnitNumber looks up a trailer by unit number within a tenant.
func (s *BadgerStore) TrailerByUnitNumber(ctx context.Context, tenantID, unitNumber string) (*models.Trailer, error) {
	if unitNumber == "" {
		return nil, ErrNotFound
	}
	return s.trailerByIndex(unitIdxKey(tenantID, unitNumber))
}

// TrailersByProvider returns all trailers linked to a provider account.
func (s *BadgerStore) TrailersByProvider(ctx context.Context, providerID uuid.UUID) ([]*models.Trailer, error) {
	var trailers []*models.Trailer
	prefix := []byte(idxProviderKeyPrefix + providerID.String() + ":")

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			var trailer models.Trailer
			if err := getJSON(txn, []byte(trailerKeyPrefix+string(id)), &trailer); err != nil {
				// Index without a record means a partially deleted entity;
				// skip rather than fail the listing.
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			trailers = append(trailers, &trailer)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trailers, nil
}

// setTrailerIndexes writes all secondary index keys for a trailer.
func setTrailerIndexes(txn *badger.Txn, trailer *models.Trailer) error {
	id := []byte(trailer.ID.String())

	if trailer.DeviceID != nil && *trailer.DeviceID != "" {
		if err := txn.Set(deviceIdxKey(trailer.TenantID, *trailer.DeviceID), id); err != nil {
			return err
		}
	}
	if trailer.VIN != nil && *trailer.VIN != "" {
		if err := txn.Set(vinIdxKey(trailer.TenantID, *trailer.VIN), id); err != nil {
			return err
		}
	}
	if err := txn.Set(unitIdxKey(trailer.TenantID, trailer.UnitNumber), id); err != nil {
		return err
	}
	if trailer.ProviderID != nil {
		if err := txn.Set(providerIdxKey(*trailer.ProviderID, trailer.ID), id); err != nil {
			return err
		}
	}
	return nil
}

// CreateTrailer persists a new trailer. The unit-number uniqueness check is
// a pre-check inside the same write transaction, so concurrent creators
// observe a tagged ErrDuplicateUnit rather than a storage-specific error.
func (s *BadgerStore) CreateTrailer(ctx context.Context, trailer *models.Trailer) error {
	if trailer.ID == uuid.Nil {
		trailer.ID = uuid.New()
	}
	now := time.Now().UTC()
	if trailer.CreatedAt.IsZero() {
		trailer.CreatedAt = now
	}
	trailer.UpdatedAt = now

	data, err := json.Marshal(trailer)
	if err != nil {
		return fmt.Errorf("marshal trailer: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(unitIdxKey(trailer.TenantID, trailer.UnitNumber))
		if err == nil {
			return ErrDuplicateUnit
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("unit pre-check: %w", err)
		}

		if err := txn.Set(trailerKey(trailer.ID), data); err != nil {
			return fmt.Errorf("set trailer: %w", err)
		}
		return setTrailerIndexes(txn, trailer)
	})
}

// UpdateTrailer overwrites an existing trailer and maintains its indexes.
func (s *BadgerStore) UpdateTrailer(ctx context.Context, trailer *models.Trailer) error {
	trailer.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(trailer)
	if err != nil {
		return fmt.Errorf("marshal trailer: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		var prev models.Trailer
		if err := getJSON(txn, trailerKey(trailer.ID), &prev); err != nil {
			return err
		}

		// Drop index entries whose identifier changed. The unit index also
		// guards uniqueness on a changed unit number.
		if prev.DeviceID != nil && (trailer.DeviceID == nil || *prev.DeviceID != *trailer.DeviceID) {
			if err := txn.Delete(deviceIdxKey(prev.TenantID, *prev.DeviceID)); err != nil {
				return err
			}
		}
		if prev.VIN != nil && (trailer.VIN == nil || *prev.VIN != *trailer.VIN) {
			if err := txn.Delete(vinIdxKey(prev.TenantID, *prev.VIN)); err != nil {
				return err
			}
		}
		if prev.UnitNumber != trailer.UnitNumber {
			if _, err := txn.Get(unitIdxKey(trailer.TenantID, trailer.UnitNumber)); err == nil {
				return ErrDuplicateUnit
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Delete(unitIdxKey(prev.TenantID, prev.UnitNumber)); err != nil {
				return err
			}
		}

		if err := txn.Set(trailerKey(trailer.ID), data); err != nil {
			return fmt.Errorf("set trailer: %w", err)
		}
		return setTrailerIndexes(txn, trailer)
	})
}

// MarkTrailerDisconnected flags the trailer's GPS feed as stale without
// touching its location fields.
func (s *BadgerStore) MarkTrailerDisconnected(ctx context.Context, id uuid.UUID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var trailer models.Trailer
		if err := getJSON(txn, trailerKey(id), &trailer); err != nil {
			return err
		}

		trailer.GPSStatus = models.GPSStatusDisconnected
		trailer.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(&trailer)
		if err != nil {
			return fmt.Errorf("marshal trailer: %w", err)
		}
		return txn.Set(trailerKey(id), data)
	})
}

// Provider returns one provider account by id.
func (s *BadgerStore) Provider(ctx context.Context, id uuid.UUID) (*models.Provider, error) {
	var provider models.Provider
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(providerKeyPrefix+id.String()), &provider)
	})
	if err != nil {
		return nil, err
	}
	return &provider, nil
}

// ProvidersByCompany returns all provider accounts configured for a company.
func (s *BadgerStore) ProvidersByCompany(ctx context.Context, companyID string) ([]*models.Provider, error) {
	var providers []*models.Provider
	prefix := []byte(idxCompanyKeyPrefix + companyID + ":")

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			var provider models.Provider
			if err := getJSON(txn, []byte(providerKeyPrefix+string(id)), &provider); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			providers = append(providers, &provider)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return providers, nil
}

// SaveProvider creates or replaces a provider account.
func (s *BadgerStore) SaveProvider(ctx context.Context, provider *models.Provider) error {
	if provider.ID == uuid.Nil {
		provider.ID = uuid.New()
	}
	now := time.Now().UTC()
	if provider.CreatedAt.IsZero() {
		provider.CreatedAt = now
	}
	provider.UpdatedAt = now

	data, err := json.Marshal(provider)
	if err != nil {
		return fmt.Errorf("marshal provider: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(providerKeyPrefix+provider.ID.String()), data); err != nil {
			return err
		}
		idxKey := []byte(idxCompanyKeyPrefix + provider.CompanyID + ":" + provider.ID.String())
		return txn.Set(idxKey, []byte(provider.ID.String()))
	})
}

// UpdateProviderStatus writes the sync outcome onto the provider record:
// connection status, reported trailer count, last sync instant, last error.
func (s *BadgerStore) UpdateProviderStatus(ctx context.Context, id uuid.UUID, status models.ProviderStatus, trailerCount int, lastError *string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(providerKeyPrefix + id.String())

		var provider models.Provider
		if err := getJSON(txn, key, &provider); err != nil {
			return err
		}

		now := time.Now().UTC()
		provider.Status = status
		provider.TrailerCount = trailerCount
		provider.LastError = lastError
		provider.LastSyncAt = &now
		provider.UpdatedAt = now

		data, err := json.Marshal(&provider)
		if err != nil {
			return fmt.Errorf("marshal provider: %w", err)
		}
		return txn.Set(key, data)
	})
}

// User returns one user by id.
func (s *BadgerStore) User(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(userKeyPrefix+id), &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ListActiveUsers returns every user with the active flag set.
func (s *BadgerStore) ListActiveUsers(ctx context.Context) ([]*models.User, error) {
	var users []*models.User
	prefix := []byte(userKeyPrefix)

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var user models.User
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &user)
			}); err != nil {
				return err
			}
			if user.Active {
				u := user
				users = append(users, &u)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

// SaveUser creates or replaces a user.
func (s *BadgerStore) SaveUser(ctx context.Context, user *models.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(userKeyPrefix+user.ID), data)
	})
}

// compile-time interface check
var _ Repository = (*BadgerStore)(nil)
