// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haulstack/trailwatch/internal/geocode"
	"github.com/haulstack/trailwatch/internal/logging"
	"github.com/haulstack/trailwatch/internal/metrics"
	"github.com/haulstack/trailwatch/internal/models"
	"github.com/haulstack/trailwatch/internal/notify"
	"github.com/haulstack/trailwatch/internal/store"
)

// TestConnection verifies a provider's credentials and records the outcome
// on the provider. Transient failures are retried with a fixed backoff;
// auth failures are not. Asset records are never touched. The returned
// TestResult is non-nil even when err is non-nil.
func (m *Manager) TestConnection(ctx context.Context, providerID uuid.UUID) (*models.TestResult, error) {
	provider, err := m.repo.Provider(ctx, providerID)
	if err != nil {
		return nil, err
	}

	gw, err := m.gateways.Gateway(provider)
	if err != nil {
		m.recordProviderFailure(ctx, provider, models.ProviderStatusDisconnected, err)
		return &models.TestResult{Success: false, Error: err.Error()}, err
	}

	var result *models.TestResult
	attempts := m.cfg.Sync.TestRetryAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = gw.TestConnection(ctx)
		if err == nil || errors.Is(err, ErrAuth) || IsBreakerOpen(err) || ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			logging.Debug().
				Str("provider", provider.ID.String()).
				Int("attempt", attempt).
				Msg("Connection test failed, retrying")
			if !sleepCtx(ctx, m.cfg.Sync.TestRetryDelay) {
				break
			}
		}
	}

	if err != nil {
		// A failed test always marks the provider disconnected, whatever
		// the cause.
		m.recordProviderFailure(ctx, provider, models.ProviderStatusDisconnected, err)
		if result == nil {
			result = &models.TestResult{Success: false, Error: err.Error()}
		}
		return result, err
	}

	if uerr := m.repo.UpdateProviderStatus(ctx, provider.ID, models.ProviderStatusConnected, result.TrailerCount, nil); uerr != nil {
		logging.Err(uerr).Str("provider", provider.ID.String()).Msg("Failed to record connection test result")
	}
	return result, nil
}

// SyncProvider fetches the provider's full asset data and reconciles it
// against local records: three-tier identity match, per-asset location
// conflict resolution, and stale-asset disconnect marking. Assets are never
// deleted.
func (m *Manager) SyncProvider(ctx context.Context, providerID uuid.UUID) (*models.SyncResult, error) {
	start := time.Now()

	provider, err := m.repo.Provider(ctx, providerID)
	if err != nil {
		return nil, err
	}

	gw, err := m.gateways.Gateway(provider)
	if err != nil {
		m.recordProviderFailure(ctx, provider, failureStatus(err), err)
		return nil, err
	}

	var records []models.TrailerRecord
	err = retryWithBackoff(ctx, m.cfg.Sync.RetryAttempts, m.cfg.Sync.RetryDelay, "fetch full data", func(ctx context.Context) error {
		var ferr error
		records, ferr = gw.FetchFullData(ctx)
		return ferr
	})
	if err != nil {
		m.recordProviderFailure(ctx, provider, failureStatus(err), err)
		metrics.RecordSyncOperation(time.Since(start), 0, 0, err)
		return nil, err
	}

	result := &models.SyncResult{TotalFetched: len(records)}
	touched := make(map[uuid.UUID]struct{}, len(records))

	// Assets are processed in the order the vendor returned them.
	for i := range records {
		id, outcome, rerr := m.reconcileTrailer(ctx, provider, &records[i])
		switch outcome {
		case outcomeCreated:
			result.Created++
		case outcomeUpdated:
			result.Updated++
		case outcomeSkipped:
			result.Skipped++
		}
		if rerr != nil {
			result.Errors = append(result.Errors, rerr.Error())
			logging.Err(rerr).
				Str("provider", provider.ID.String()).
				Str("unit_number", records[i].UnitNumber).
				Msg("Failed to reconcile trailer record")
			continue
		}
		if id != uuid.Nil {
			touched[id] = struct{}{}
		}
		metrics.SyncTrailersProcessed.WithLabelValues(string(outcome)).Inc()
	}

	// Stale-asset detection: anything we knew for this provider that the
	// vendor no longer reports is marked disconnected, never deleted.
	known, err := m.repo.TrailersByProvider(ctx, provider.ID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list known trailers: %v", err))
	} else {
		for _, tr := range known {
			if _, ok := touched[tr.ID]; ok {
				continue
			}
			if tr.GPSStatus == models.GPSStatusDisconnected {
				continue
			}
			if derr := m.repo.MarkTrailerDisconnected(ctx, tr.ID); derr != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("mark disconnected %s: %v", tr.UnitNumber, derr))
				continue
			}
			result.Disconnected++
			metrics.SyncTrailersProcessed.WithLabelValues("disconnected").Inc()
		}
	}

	if uerr := m.repo.UpdateProviderStatus(ctx, provider.ID, models.ProviderStatusConnected, len(records), nil); uerr != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("update provider status: %v", uerr))
	}

	result.Duration = time.Since(start)
	metrics.RecordSyncOperation(result.Duration, result.Created, result.Updated, nil)
	logging.Info().
		Str("provider", provider.ID.String()).
		Int("fetched", result.TotalFetched).
		Int("created", result.Created).
		Int("updated", result.Updated).
		Int("skipped", result.Skipped).
		Int("disconnected", result.Disconnected).
		Dur("duration", result.Duration).
		Msg("Provider sync completed")
	return result, nil
}

type reconcileOutcome string

const (
	outcomeCreated reconcileOutcome = "created"
	outcomeUpdated reconcileOutcome = "updated"
	outcomeSkipped reconcileOutcome = "skipped"
)

// reconcileTrailer merges one vendor record into the local store: match by
// device id, then VIN, then unit number within the tenant; update on match,
// create otherwise. A duplicate-unit conflict from a racing sync falls back
// to the update path against the record the unit-number lookup finds.
func (m *Manager) reconcileTrailer(ctx context.Context, provider *models.Provider, rec *models.TrailerRecord) (uuid.UUID, reconcileOutcome, error) {
	if rec.UnitNumber == "" {
		return uuid.Nil, outcomeSkipped, nil
	}

	existing, err := m.findTrailer(ctx, provider.TenantID, rec)
	if err != nil {
		return uuid.Nil, outcomeSkipped, err
	}

	sample := gpsSampleFromRecord(rec.Latitude, rec.Longitude, rec.Address, rec.ObservedAt)

	if existing != nil {
		if uerr := m.updateFromRecord(ctx, existing, provider, rec, sample); uerr != nil {
			return uuid.Nil, outcomeSkipped, uerr
		}
		return existing.ID, outcomeUpdated, nil
	}

	trailer := &models.Trailer{
		TenantID:   provider.TenantID,
		CompanyID:  provider.CompanyID,
		ProviderID: &provider.ID,
		UnitNumber: rec.UnitNumber,
		GPSStatus:  models.GPSStatusConnected,
	}
	if rec.DeviceID != "" {
		trailer.DeviceID = strPtr(rec.DeviceID)
	}
	if rec.VIN != "" {
		trailer.VIN = strPtr(rec.VIN)
	}
	if sample != nil {
		m.applyResolvedLocation(ctx, trailer, *sample)
	}

	err = m.repo.CreateTrailer(ctx, trailer)
	if errors.Is(err, store.ErrDuplicateUnit) {
		// Raced with a concurrent sync. The unit-number lookup now finds
		// the winner; merge into it instead of failing the record.
		existing, lerr := m.repo.TrailerByUnitNumber(ctx, provider.TenantID, rec.UnitNumber)
		if lerr != nil {
			return uuid.Nil, outcomeSkipped, fmt.Errorf("duplicate unit %q but lookup failed: %w", rec.UnitNumber, lerr)
		}
		if uerr := m.updateFromRecord(ctx, existing, provider, rec, sample); uerr != nil {
			return uuid.Nil, outcomeSkipped, uerr
		}
		return existing.ID, outcomeUpdated, nil
	}
	if err != nil {
		return uuid.Nil, outcomeSkipped, err
	}
	return trailer.ID, outcomeCreated, nil
}

// findTrailer resolves a vendor record to a local trailer through the
// three-tier identity fallback. Vendors are inconsistent about which
// identifier is stable, so each tier is tried in order of strength.
func (m *Manager) findTrailer(ctx context.Context, tenantID string, rec *models.TrailerRecord) (*models.Trailer, error) {
	if rec.DeviceID != "" {
		tr, err := m.repo.TrailerByDeviceID(ctx, tenantID, rec.DeviceID)
		if err == nil {
			return tr, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if rec.VIN != "" {
		tr, err := m.repo.TrailerByVIN(ctx, tenantID, rec.VIN)
		if err == nil {
			return tr, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	tr, err := m.repo.TrailerByUnitNumber(ctx, tenantID, rec.UnitNumber)
	if err == nil {
		return tr, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return nil, nil
}

// updateFromRecord merges vendor identity fields into an existing trailer,
// applies the location sample through conflict resolution, and persists.
func (m *Manager) updateFromRecord(ctx context.Context, trailer *models.Trailer, provider *models.Provider, rec *models.TrailerRecord, sample *models.LocationSample) error {
	if rec.DeviceID != "" {
		trailer.DeviceID = strPtr(rec.DeviceID)
	}
	if rec.VIN != "" {
		trailer.VIN = strPtr(rec.VIN)
	}
	trailer.ProviderID = &provider.ID
	trailer.GPSStatus = models.GPSStatusConnected

	if sample != nil {
		m.applyResolvedLocation(ctx, trailer, *sample)
	}
	return m.repo.UpdateTrailer(ctx, trailer)
}

// applyResolvedLocation runs the conflict decision and, on acceptance,
// mutates the trailer's location fields. Address re-derivation happens only
// for material moves; resolution failures fall back to the vendor-supplied
// address or the unavailable sentinel, never an error.
func (m *Manager) applyResolvedLocation(ctx context.Context, trailer *models.Trailer, sample models.LocationSample) bool {
	decision := ResolveLocation(trailer, sample)
	switch decision {
	case DecisionReject:
		metrics.LocationUpdates.WithLabelValues("rejected").Inc()
		return false
	case DecisionAcceptImmaterial:
		metrics.LocationUpdates.WithLabelValues("immaterial").Inc()
	case DecisionAccept:
		metrics.LocationUpdates.WithLabelValues("accepted").Inc()
	}

	var address string
	if decision == DecisionAccept || sample.Source == models.LocationSourceManual {
		address = m.resolveAddress(ctx, sample)
	}
	return applyLocation(trailer, sample, decision, address)
}

// resolveAddress reverse-geocodes the sample's coordinates, falling back to
// the vendor-supplied address, then the unavailable sentinel.
func (m *Manager) resolveAddress(ctx context.Context, sample models.LocationSample) string {
	if m.geocoder != nil && m.geocoder.IsAvailable() {
		addr, err := m.geocoder.ReverseGeocode(ctx, sample.Latitude, sample.Longitude)
		if err == nil && addr != "" {
			return addr
		}
		if err != nil {
			logging.Debug().Err(err).Msg("Reverse geocode failed, using fallback address")
		}
	}
	if sample.Address != "" {
		return sample.Address
	}
	return geocode.Unavailable
}

// gpsSampleFromRecord builds a GPS location sample from vendor coordinates,
// or nil when coordinates are absent or out of range. Missing coordinates
// are a per-asset data problem, never fatal to the batch.
func gpsSampleFromRecord(lat, lon *float64, address string, observedAt *time.Time) *models.LocationSample {
	if lat == nil || lon == nil {
		return nil
	}
	if err := geocode.ValidateCoordinates(*lat, *lon); err != nil {
		metrics.SyncErrors.WithLabelValues("validation").Inc()
		return nil
	}
	return &models.LocationSample{
		Source:     models.LocationSourceGPS,
		Latitude:   *lat,
		Longitude:  *lon,
		Address:    address,
		ObservedAt: observedAt,
	}
}

// RefreshUser performs a locations-only refresh of every provider belonging
// to the user's company. It never creates or deletes assets. Progress and
// completion are pushed to the notification sink; a concurrent call for the
// same user returns ErrRefreshInProgress without touching any provider.
func (m *Manager) RefreshUser(ctx context.Context, userID string) (*models.SyncResult, error) {
	if !m.beginRefresh(userID) {
		metrics.RefreshRuns.WithLabelValues("in_progress").Inc()
		return nil, ErrRefreshInProgress
	}
	defer m.endRefresh(userID)

	start := time.Now()

	user, err := m.repo.User(ctx, userID)
	if err != nil {
		metrics.RefreshRuns.WithLabelValues("failed").Inc()
		return nil, err
	}

	providers, err := m.repo.ProvidersByCompany(ctx, user.CompanyID)
	if err != nil {
		metrics.RefreshRuns.WithLabelValues("failed").Inc()
		return nil, err
	}

	m.sink.Notify(userID, notify.Event{
		Type:   notify.EventRefreshStarted,
		UserID: userID,
		Total:  len(providers),
		At:     time.Now().UTC(),
	})

	result := &models.SyncResult{}
	for i, provider := range providers {
		if i > 0 && !sleepCtx(ctx, m.cfg.Sync.InterProviderDelay) {
			break
		}

		if rerr := m.refreshProvider(ctx, provider, result); rerr != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", provider.Vendor, rerr))
			logging.Err(rerr).
				Str("user", userID).
				Str("provider", provider.ID.String()).
				Msg("Provider refresh failed")
			m.sink.Notify(userID, notify.Event{
				Type:     notify.EventRefreshError,
				UserID:   userID,
				Provider: string(provider.Vendor),
				Message:  rerr.Error(),
				At:       time.Now().UTC(),
			})
			continue
		}

		m.sink.Notify(userID, notify.Event{
			Type:      notify.EventRefreshProgress,
			UserID:    userID,
			Provider:  string(provider.Vendor),
			Processed: i + 1,
			Total:     len(providers),
			At:        time.Now().UTC(),
		})
	}

	result.Duration = time.Since(start)
	m.sink.Notify(userID, notify.Event{
		Type:   notify.EventRefreshCompleted,
		UserID: userID,
		Result: result,
		At:     time.Now().UTC(),
	})

	if len(result.Errors) > 0 {
		metrics.RefreshRuns.WithLabelValues("failed").Inc()
	} else {
		metrics.RefreshRuns.WithLabelValues("completed").Inc()
	}
	logging.Info().
		Str("user", userID).
		Int("updated", result.Updated).
		Int("skipped", result.Skipped).
		Int("errors", len(result.Errors)).
		Dur("duration", result.Duration).
		Msg("User refresh completed")
	return result, nil
}

// refreshProvider fetches location-only records for one provider and routes
// each through conflict resolution. Records that match no local asset, or
// carry unusable coordinates, are counted as skipped.
func (m *Manager) refreshProvider(ctx context.Context, provider *models.Provider, result *models.SyncResult) error {
	gw, err := m.gateways.Gateway(provider)
	if err != nil {
		m.recordProviderFailure(ctx, provider, failureStatus(err), err)
		return err
	}

	var records []models.LocationRecord
	err = retryWithBackoff(ctx, m.cfg.Sync.RetryAttempts, m.cfg.Sync.RetryDelay, "fetch locations", func(ctx context.Context) error {
		var ferr error
		records, ferr = gw.FetchLocations(ctx)
		return ferr
	})
	if err != nil {
		m.recordProviderFailure(ctx, provider, failureStatus(err), err)
		return err
	}

	result.TotalFetched += len(records)
	for i := range records {
		rec := &records[i]
		trailer, lerr := m.findTrailerForLocation(ctx, provider.TenantID, rec)
		if lerr != nil {
			result.Errors = append(result.Errors, lerr.Error())
			continue
		}
		if trailer == nil {
			result.Skipped++
			continue
		}

		sample := gpsSampleFromRecord(rec.Latitude, rec.Longitude, rec.Address, rec.ObservedAt)
		if sample == nil {
			result.Skipped++
			continue
		}

		if !m.applyResolvedLocation(ctx, trailer, *sample) {
			result.Skipped++
			continue
		}
		if uerr := m.repo.UpdateTrailer(ctx, trailer); uerr != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("update %s: %v", trailer.UnitNumber, uerr))
			continue
		}
		result.Updated++
	}
	return nil
}

func (m *Manager) findTrailerForLocation(ctx context.Context, tenantID string, rec *models.LocationRecord) (*models.Trailer, error) {
	if rec.DeviceID != "" {
		tr, err := m.repo.TrailerByDeviceID(ctx, tenantID, rec.DeviceID)
		if err == nil {
			return tr, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if rec.VIN != "" {
		tr, err := m.repo.TrailerByVIN(ctx, tenantID, rec.VIN)
		if err == nil {
			return tr, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// TriggerRefresh starts a fire-and-forget refresh for userID. It returns
// true when a new run was started, false when one is already in flight. The
// run's outcome is observable only through the notification sink.
func (m *Manager) TriggerRefresh(userID string) bool {
	if m.IsRefreshing(userID) {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.RefreshUser(context.Background(), userID); err != nil && !errors.Is(err, ErrRefreshInProgress) {
			logging.Err(err).Str("user", userID).Msg("Triggered refresh failed")
		}
	}()
	return true
}

// failureStatus maps a sync or refresh failure to the provider status it
// leaves behind: auth failures disconnect, everything else is an error
// state.
func failureStatus(err error) models.ProviderStatus {
	if errors.Is(err, ErrAuth) {
		return models.ProviderStatusDisconnected
	}
	return models.ProviderStatusError
}

// recordProviderFailure writes the failure onto the provider record with
// the given status.
func (m *Manager) recordProviderFailure(ctx context.Context, provider *models.Provider, status models.ProviderStatus, err error) {
	errType := "provider_api"
	if errors.Is(err, ErrAuth) {
		errType = "auth"
	}
	metrics.SyncErrors.WithLabelValues(errType).Inc()

	if uerr := m.repo.UpdateProviderStatus(ctx, provider.ID, status, provider.TrailerCount, strPtr(err.Error())); uerr != nil {
		logging.Err(uerr).Str("provider", provider.ID.String()).Msg("Failed to record provider failure")
	}
}
