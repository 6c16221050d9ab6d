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

	"github.com/haulstack/trailwatch/internal/logging"
	"github.com/haulstack/trailwatch/internal/models"
	"github.com/haulstack/trailwatch/internal/ratelimit"
)

const (
	opLocations   = "locations"
	opMaintenance = "maintenance"

	// Maintenance recomputation outranks location refreshes in the shared
	// per-tenant queue: it runs daily and must not starve behind an hourly
	// backlog.
	priorityLocations   = 1
	priorityMaintenance = 2
)

// locationLoop drives the hourly location-only refresh across all active
// users.
func (m *Manager) locationLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Scheduler.LocationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.fanOut(opLocations, priorityLocations, func(ctx context.Context, user *models.User) (any, error) {
				res, err := m.RefreshUser(ctx, user.ID)
				if errors.Is(err, ErrRefreshInProgress) {
					return nil, nil
				}
				return res, err
			})
		}
	}
}

// maintenanceLoop drives the daily maintenance-alert recomputation.
func (m *Manager) maintenanceLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Scheduler.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.fanOut(opMaintenance, priorityMaintenance, func(ctx context.Context, user *models.User) (any, error) {
				return nil, m.recomputeMaintenance(ctx, user)
			})
		}
	}
}

// fanOut groups active users by tenant and routes per-user work through the
// rate limiter's queue. A coarse tenant-level admission pre-check
// short-circuits over-budget tenants before anything is queued, so one
// tenant's backlog cannot grow without bound.
func (m *Manager) fanOut(op string, priority int, work func(ctx context.Context, user *models.User) (any, error)) {
	ctx := m.runCtx

	users, err := m.repo.ListActiveUsers(ctx)
	if err != nil {
		logging.Err(err).Str("operation", op).Msg("Failed to list active users for scheduled run")
		return
	}

	byTenant := make(map[string][]*models.User)
	for _, u := range users {
		byTenant[u.TenantID] = append(byTenant[u.TenantID], u)
	}
	logging.Debug().
		Str("operation", op).
		Int("users", len(users)).
		Int("tenants", len(byTenant)).
		Msg("Scheduled fan-out starting")

	for tenantID, tenantUsers := range byTenant {
		if !m.limiter.Allow(tenantID, op, m.cfg.RateLimit.TenantMaxOps, m.cfg.RateLimit.TenantWindow) {
			logging.Warn().
				Str("tenant", tenantID).
				Str("operation", op).
				Msg("Tenant over rate budget, skipping scheduled run")
			continue
		}

		for i, user := range tenantUsers {
			if i > 0 && !sleepCtx(ctx, m.cfg.Scheduler.InterUserDelay) {
				return
			}

			user := user
			results := m.limiter.Enqueue(tenantID, op, func(ctx context.Context) (any, error) {
				return work(ctx, user)
			}, ratelimit.QueueOptions{
				MaxOps:   m.cfg.RateLimit.UserMaxOps,
				Window:   m.cfg.RateLimit.UserWindow,
				Priority: priority,
				MaxWait:  m.cfg.RateLimit.QueueMaxWait,
			})
			m.wg.Add(1)
			go m.watchQueued(tenantID, user.ID, op, results)
		}
	}
}

// watchQueued logs the eventual outcome of one queued operation. Failures
// here are terminal for the user's slot in this run: nothing retries them,
// so the log line is the only trace they leave.
func (m *Manager) watchQueued(tenantID, userID, op string, results <-chan ratelimit.Result) {
	defer m.wg.Done()

	select {
	case res := <-results:
		if res.Err != nil {
			logging.Err(res.Err).
				Str("tenant", tenantID).
				Str("user", userID).
				Str("operation", op).
				Msg("Scheduled operation failed")
		}
	case <-m.stopChan:
	}
}

// recomputeMaintenance refreshes the maintenance-due flag on every trailer
// visible to the user's company, based on its next scheduled service date.
func (m *Manager) recomputeMaintenance(ctx context.Context, user *models.User) error {
	providers, err := m.repo.ProvidersByCompany(ctx, user.CompanyID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var updated int
	var errs []error

	for _, provider := range providers {
		trailers, terr := m.repo.TrailersByProvider(ctx, provider.ID)
		if terr != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", provider.ID, terr))
			continue
		}
		for _, tr := range trailers {
			due := tr.NextServiceAt != nil && !tr.NextServiceAt.After(now)
			if due == tr.MaintenanceDue {
				continue
			}
			tr.MaintenanceDue = due
			if uerr := m.repo.UpdateTrailer(ctx, tr); uerr != nil {
				errs = append(errs, fmt.Errorf("trailer %s: %w", tr.UnitNumber, uerr))
				continue
			}
			updated++
		}
	}

	if updated > 0 {
		logging.Info().
			Str("company", user.CompanyID).
			Int("updated", updated).
			Msg("Maintenance alerts recomputed")
	}
	return errors.Join(errs...)
}
