// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

package geocode

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haulstack/trailwatch/internal/config"
)

func TestValidateCoordinates(t *testing.T) {
	tests := []struct {
		name    string
		lat     float64
		lon     float64
		wantErr bool
	}{
		{"valid midwest", 41.8781, -87.6298, false},
		{"valid null island", 0, 0, false},
		{"valid extremes", 90, 180, false},
		{"latitude too high", 90.1, 0, true},
		{"latitude too low", -90.1, 0, true},
		{"longitude too high", 0, 180.1, true},
		{"longitude too low", 0, -180.1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCoordinates(tt.lat, tt.lon)
			if tt.wantErr && !errors.Is(err, ErrInvalidCoordinates) {
				t.Errorf("expected ErrInvalidCoordinates, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestNominatimProvider_ReverseGeocode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/reverse" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("User-Agent") == "" {
			t.Error("expected a User-Agent header")
		}
		if r.URL.Query().Get("lat") == "" || r.URL.Query().Get("lon") == "" {
			t.Error("expected lat/lon query parameters")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"display_name":"1200 Industrial Pkwy, Gary, IN 46402, USA"}`))
	}))
	defer server.Close()

	p := NewNominatimProvider(config.GeocodeConfig{
		BaseURL:   server.URL,
		UserAgent: "trailwatch-test",
		Timeout:   2 * time.Second,
	})

	address, err := p.ReverseGeocode(context.Background(), 41.6, -87.33)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if address != "1200 Industrial Pkwy, Gary, IN 46402, USA" {
		t.Errorf("unexpected address %q", address)
	}
}

func TestNominatimProvider_ErrorResponses(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload string
	}{
		{"server error", http.StatusInternalServerError, ""},
		{"nominatim error body", http.StatusOK, `{"error":"Unable to geocode"}`},
		{"empty display name", http.StatusOK, `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.payload))
			}))
			defer server.Close()

			p := NewNominatimProvider(config.GeocodeConfig{BaseURL: server.URL, UserAgent: "t"})
			if _, err := p.ReverseGeocode(context.Background(), 41.6, -87.33); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestNominatimProvider_RejectsInvalidInput(t *testing.T) {
	p := NewNominatimProvider(config.GeocodeConfig{BaseURL: "http://localhost:1", UserAgent: "t"})
	if _, err := p.ReverseGeocode(context.Background(), 120, 0); !errors.Is(err, ErrInvalidCoordinates) {
		t.Errorf("expected ErrInvalidCoordinates, got %v", err)
	}
}

type stubLookup struct {
	name      string
	available bool
	address   string
	err       error
	calls     int
}

func (s *stubLookup) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	s.calls++
	return s.address, s.err
}
func (s *stubLookup) Name() string      { return s.name }
func (s *stubLookup) IsAvailable() bool { return s.available }

func TestChain_FallsThroughToNextProvider(t *testing.T) {
	failing := &stubLookup{name: "primary", available: true, err: errors.New("down")}
	unavailable := &stubLookup{name: "skipped", available: false, address: "should not be used"}
	working := &stubLookup{name: "fallback", available: true, address: "123 Depot Rd"}

	chain := NewChain(failing, unavailable, working)

	address, err := chain.ReverseGeocode(context.Background(), 41.6, -87.33)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if address != "123 Depot Rd" {
		t.Errorf("unexpected address %q", address)
	}
	if failing.calls != 1 {
		t.Errorf("primary should have been tried once, got %d", failing.calls)
	}
	if unavailable.calls != 0 {
		t.Errorf("unavailable provider should be skipped, got %d calls", unavailable.calls)
	}
}

func TestChain_AllProvidersFail(t *testing.T) {
	chain := NewChain(&stubLookup{name: "a", available: true, err: errors.New("down")})
	if _, err := chain.ReverseGeocode(context.Background(), 41.6, -87.33); err == nil {
		t.Error("expected an error when every provider fails")
	}
}
