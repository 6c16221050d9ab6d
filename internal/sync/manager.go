// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

// Package sync implements the fleet synchronization core: provider
// credential tests, full asset reconciliation, scheduled location-only
// refreshes, and the location conflict policy that arbitrates between GPS
// observations and operator overrides.
package sync

import (
	"context"
	"fmt"
	gosync "sync"

	"github.com/haulstack/trailwatch/internal/config"
	"github.com/haulstack/trailwatch/internal/geocode"
	"github.com/haulstack/trailwatch/internal/logging"
	"github.com/haulstack/trailwatch/internal/notify"
	"github.com/haulstack/trailwatch/internal/ratelimit"
	"github.com/haulstack/trailwatch/internal/store"
)

// Manager owns the sync lifecycle: it runs the background refresh
// schedulers and exposes the Test / Sync / Refresh operations to the API
// layer. All provider and user failures are contained per item; nothing
// propagates out of the scheduler loops.
type Manager struct {
	repo     store.Repository
	gateways GatewayProvider
	geocoder geocode.AddressLookup
	sink     notify.Sink
	limiter  *ratelimit.Limiter
	cfg      *config.Config

	mu       gosync.Mutex
	running  bool
	runCtx   context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	wg       gosync.WaitGroup

	// refreshing is the per-user reentrancy guard. A user present in the
	// set has a refresh mid-flight; duplicate requests are acknowledged as
	// in-progress instead of starting a second run.
	refreshMu  gosync.Mutex
	refreshing map[string]struct{}
}

func NewManager(repo store.Repository, gateways GatewayProvider, geocoder geocode.AddressLookup, sink notify.Sink, limiter *ratelimit.Limiter, cfg *config.Config) *Manager {
	if sink == nil {
		sink = notify.NopSink{}
	}
	return &Manager{
		repo:       repo,
		gateways:   gateways,
		geocoder:   geocoder,
		sink:       sink,
		limiter:    limiter,
		cfg:        cfg,
		refreshing: make(map[string]struct{}),
	}
}

// Start launches the location and maintenance scheduler loops.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("sync manager already running")
	}
	m.running = true
	m.runCtx, m.cancel = context.WithCancel(context.Background())
	m.stopChan = make(chan struct{})

	m.wg.Add(2)
	go m.locationLoop()
	go m.maintenanceLoop()

	logging.Info().
		Dur("location_interval", m.cfg.Scheduler.LocationInterval).
		Dur("maintenance_interval", m.cfg.Scheduler.MaintenanceInterval).
		Msg("Sync manager started")
	return nil
}

// Stop halts the scheduler loops and waits for in-flight work to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()
	logging.Info().Msg("Sync manager stopped")
}

// Serve adapts the manager to a supervised service: it starts the
// schedulers, blocks until ctx is cancelled, then stops them.
func (m *Manager) Serve(ctx context.Context) error {
	if err := m.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	m.Stop()
	return ctx.Err()
}

// beginRefresh atomically claims the reentrancy guard for userID.
func (m *Manager) beginRefresh(userID string) bool {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	if _, busy := m.refreshing[userID]; busy {
		return false
	}
	m.refreshing[userID] = struct{}{}
	return true
}

// endRefresh releases the guard. Always runs via defer so a panicking run
// cannot permanently wedge the user.
func (m *Manager) endRefresh(userID string) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	delete(m.refreshing, userID)
}

// IsRefreshing reports whether a refresh is currently in flight for userID.
func (m *Manager) IsRefreshing(userID string) bool {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	_, busy := m.refreshing[userID]
	return busy
}
