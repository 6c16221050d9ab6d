// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

package sync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) (*TelematicsClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewTelematicsClient("skytrack", Credentials{BaseURL: srv.URL, APIKey: "test-key"}, 5*time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	// Shrink backoff so retry tests stay fast.
	client.retryDelay = time.Millisecond
	return client, srv
}

func TestTelematicsClient_TestConnection(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/ping" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","trailer_count":42}`))
	}))

	result, err := client.TestConnection(context.Background())
	if err != nil {
		t.Fatalf("test connection: %v", err)
	}
	if !result.Success || result.TrailerCount != 42 {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestTelematicsClient_AuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.FetchFullData(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server hit %d times, want 1", got)
	}
}

func TestTelematicsClient_RateLimitedThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"trailers":[{"device_id":"A1","unit_number":"100","latitude":40.5,"longitude":-74.2}]}`))
	}))

	records, err := client.FetchFullData(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].DeviceID != "A1" || records[0].Latitude == nil || *records[0].Latitude != 40.5 {
		t.Errorf("unexpected record %+v", records[0])
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server hit %d times, want 2", got)
	}
}

func TestTelematicsClient_ServerErrorGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.FetchLocations(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != maxRequestRetries {
		t.Errorf("server hit %d times, want %d", got, maxRequestRetries)
	}
}

func TestTelematicsClient_FetchLocations(t *testing.T) {
	observed := time.Date(2026, 4, 1, 8, 30, 0, 0, time.UTC)
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/trailers/locations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"locations":[{"device_id":"A1","latitude":40.1,"longitude":-74.9,"observed_at":"2026-04-01T08:30:00Z"}]}`))
	}))

	records, err := client.FetchLocations(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].ObservedAt == nil || !records[0].ObservedAt.Equal(observed) {
		t.Errorf("observed_at = %v, want %v", records[0].ObservedAt, observed)
	}
}

func TestNewTelematicsClient_Validation(t *testing.T) {
	if _, err := NewTelematicsClient("skytrack", Credentials{BaseURL: "http://x"}, time.Second); !errors.Is(err, ErrAuth) {
		t.Errorf("missing api key error = %v, want ErrAuth", err)
	}
	if _, err := NewTelematicsClient("unknown-vendor", Credentials{APIKey: "k"}, time.Second); err == nil {
		t.Error("expected error for unknown vendor without base url")
	}
}
