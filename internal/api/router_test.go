// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/haulstack/trailwatch/internal/config"
	"github.com/haulstack/trailwatch/internal/models"
	"github.com/haulstack/trailwatch/internal/notify"
	"github.com/haulstack/trailwatch/internal/ratelimit"
	"github.com/haulstack/trailwatch/internal/store"
	syncpkg "github.com/haulstack/trailwatch/internal/sync"
	"github.com/haulstack/trailwatch/internal/websocket"
)

type stubGateway struct {
	result *models.TestResult
	full   []models.TrailerRecord
}

func (g *stubGateway) TestConnection(context.Context) (*models.TestResult, error) {
	return g.result, nil
}
func (g *stubGateway) FetchFullData(context.Context) ([]models.TrailerRecord, error) {
	return g.full, nil
}
func (g *stubGateway) FetchLocations(context.Context) ([]models.LocationRecord, error) {
	return nil, nil
}

type stubGateways struct{ gw *stubGateway }

func (s *stubGateways) Gateway(*models.Provider) (syncpkg.ProviderGateway, error) { return s.gw, nil }
func (s *stubGateways) Forget(uuid.UUID)                                          {}

func newTestServer(t *testing.T, gw *stubGateway) (*httptest.Server, *store.BadgerStore) {
	t.Helper()

	repo, err := store.Open(config.StoreConfig{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	limiter := ratelimit.New(ratelimit.Options{
		PollInterval: 10 * time.Millisecond,
		InterOpDelay: time.Millisecond,
	})
	t.Cleanup(limiter.Close)

	cfg := &config.Config{
		Sync: config.SyncConfig{
			RetryAttempts:     1,
			RetryDelay:        time.Millisecond,
			TestRetryAttempts: 1,
			TestRetryDelay:    time.Millisecond,
			RequestTimeout:    time.Second,
		},
		Scheduler: config.SchedulerConfig{
			LocationInterval:    time.Hour,
			MaintenanceInterval: 24 * time.Hour,
		},
		RateLimit: config.RateLimitConfig{
			TenantMaxOps: 10,
			TenantWindow: time.Minute,
			UserMaxOps:   5,
			UserWindow:   time.Minute,
			QueueMaxWait: time.Second,
			HTTPDisabled: true,
		},
	}

	hub := websocket.NewHub()
	manager := syncpkg.NewManager(repo, &stubGateways{gw: gw}, nil, notify.NopSink{}, limiter, cfg)
	srv := httptest.NewServer(NewServer(manager, hub, cfg).Router())
	t.Cleanup(srv.Close)
	return srv, repo
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubGateway{})

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRefreshEndpoint_AcksImmediately(t *testing.T) {
	srv, repo := newTestServer(t, &stubGateway{})
	ctx := context.Background()

	if err := repo.SaveUser(ctx, &models.User{ID: "user-1", TenantID: "tenant-1", CompanyID: "company-1", Active: true}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	resp, err := http.Post(srv.URL+"/api/v1/refresh/user-1", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "started" && body["status"] != "in_progress" {
		t.Errorf("status field = %q", body["status"])
	}
}

func TestProviderTestEndpoint(t *testing.T) {
	gw := &stubGateway{result: &models.TestResult{Success: true, TrailerCount: 7}}
	srv, repo := newTestServer(t, gw)
	ctx := context.Background()

	provider := &models.Provider{
		TenantID:  "tenant-1",
		CompanyID: "company-1",
		Vendor:    models.VendorFleetPulse,
		Status:    models.ProviderStatusDisconnected,
	}
	if err := repo.SaveProvider(ctx, provider); err != nil {
		t.Fatalf("seed provider: %v", err)
	}

	resp, err := http.Post(srv.URL+"/api/v1/providers/"+provider.ID.String()+"/test", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var result models.TestResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Success || result.TrailerCount != 7 {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestProviderTestEndpoint_UnknownProvider(t *testing.T) {
	srv, _ := newTestServer(t, &stubGateway{})

	resp, err := http.Post(srv.URL+"/api/v1/providers/"+uuid.NewString()+"/test", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestProviderSyncEndpoint(t *testing.T) {
	lat, lon := 40.0, -74.0
	gw := &stubGateway{full: []models.TrailerRecord{
		{DeviceID: "A1", UnitNumber: "100", Latitude: &lat, Longitude: &lon},
	}}
	srv, repo := newTestServer(t, gw)
	ctx := context.Background()

	provider := &models.Provider{
		TenantID:  "tenant-1",
		CompanyID: "company-1",
		Vendor:    models.VendorSkyTrack,
		Status:    models.ProviderStatusDisconnected,
	}
	if err := repo.SaveProvider(ctx, provider); err != nil {
		t.Fatalf("seed provider: %v", err)
	}

	resp, err := http.Post(srv.URL+"/api/v1/providers/"+provider.ID.String()+"/sync", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var result models.SyncResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Created != 1 {
		t.Errorf("created = %d, want 1", result.Created)
	}

	if _, err := repo.TrailerByUnitNumber(ctx, "tenant-1", "100"); err != nil {
		t.Errorf("synced trailer not persisted: %v", err)
	}
}

func TestWebSocketEndpoint_RequiresUserID(t *testing.T) {
	srv, _ := newTestServer(t, &stubGateway{})

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
