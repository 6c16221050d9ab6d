// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

package sync

import (
	"testing"
	"time"

	"github.com/haulstack/trailwatch/internal/models"
)

func timePtr(t time.Time) *time.Time { return &t }

func floatPtr(f float64) *float64 { return &f }

func gpsTrailer(lat, lon float64, updatedAt *time.Time) *models.Trailer {
	return &models.Trailer{
		Latitude:          floatPtr(lat),
		Longitude:         floatPtr(lon),
		LocationSource:    models.LocationSourceGPS,
		LocationUpdatedAt: updatedAt,
	}
}

func manualTrailer(lat, lon float64, updatedAt *time.Time) *models.Trailer {
	tr := gpsTrailer(lat, lon, updatedAt)
	tr.LocationSource = models.LocationSourceManual
	tr.ManualOverride = true
	tr.LocationNotes = "parked behind yard"
	return tr
}

func TestResolveLocation(t *testing.T) {
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	earlier := base.Add(-time.Hour)
	later := base.Add(time.Hour)

	tests := []struct {
		name     string
		current  *models.Trailer
		incoming models.LocationSample
		want     Decision
	}{
		{
			name:    "gps never displaces manual",
			current: manualTrailer(40.0, -74.0, timePtr(base)),
			incoming: models.LocationSample{
				Source: models.LocationSourceGPS, Latitude: 41.0, Longitude: -75.0, ObservedAt: timePtr(later),
			},
			want: DecisionReject,
		},
		{
			name:    "gps rejected by manual even without timestamps",
			current: manualTrailer(40.0, -74.0, nil),
			incoming: models.LocationSample{
				Source: models.LocationSourceGPS, Latitude: 41.0, Longitude: -75.0,
			},
			want: DecisionReject,
		},
		{
			name:    "manual replaces gps",
			current: gpsTrailer(40.0, -74.0, timePtr(base)),
			incoming: models.LocationSample{
				Source: models.LocationSourceManual, Latitude: 41.0, Longitude: -75.0, ObservedAt: timePtr(earlier),
			},
			want: DecisionAccept,
		},
		{
			name:    "manual replaces manual without timestamp comparison",
			current: manualTrailer(40.0, -74.0, timePtr(later)),
			incoming: models.LocationSample{
				Source: models.LocationSourceManual, Latitude: 41.0, Longitude: -75.0, ObservedAt: timePtr(earlier),
			},
			want: DecisionAccept,
		},
		{
			name:    "newer gps beats older gps",
			current: gpsTrailer(40.0, -74.0, timePtr(base)),
			incoming: models.LocationSample{
				Source: models.LocationSourceGPS, Latitude: 41.0, Longitude: -75.0, ObservedAt: timePtr(later),
			},
			want: DecisionAccept,
		},
		{
			name:    "equal gps timestamp is stale",
			current: gpsTrailer(40.0, -74.0, timePtr(base)),
			incoming: models.LocationSample{
				Source: models.LocationSourceGPS, Latitude: 41.0, Longitude: -75.0, ObservedAt: timePtr(base),
			},
			want: DecisionReject,
		},
		{
			name:    "older gps timestamp is stale",
			current: gpsTrailer(40.0, -74.0, timePtr(base)),
			incoming: models.LocationSample{
				Source: models.LocationSourceGPS, Latitude: 41.0, Longitude: -75.0, ObservedAt: timePtr(earlier),
			},
			want: DecisionReject,
		},
		{
			name:    "missing incoming timestamp fails open",
			current: gpsTrailer(40.0, -74.0, timePtr(base)),
			incoming: models.LocationSample{
				Source: models.LocationSourceGPS, Latitude: 41.0, Longitude: -75.0,
			},
			want: DecisionAccept,
		},
		{
			name:    "missing stored timestamp fails open",
			current: gpsTrailer(40.0, -74.0, nil),
			incoming: models.LocationSample{
				Source: models.LocationSourceGPS, Latitude: 41.0, Longitude: -75.0, ObservedAt: timePtr(base),
			},
			want: DecisionAccept,
		},
		{
			name:    "accepted but sub-epsilon move is immaterial",
			current: gpsTrailer(40.0, -74.0, timePtr(base)),
			incoming: models.LocationSample{
				Source: models.LocationSourceGPS, Latitude: 40.000005, Longitude: -74.000005, ObservedAt: timePtr(later),
			},
			want: DecisionAcceptImmaterial,
		},
		{
			name:    "epsilon move on one axis is material",
			current: gpsTrailer(40.0, -74.0, timePtr(base)),
			incoming: models.LocationSample{
				Source: models.LocationSourceGPS, Latitude: 40.0, Longitude: -74.00002, ObservedAt: timePtr(later),
			},
			want: DecisionAccept,
		},
		{
			name:    "no stored coordinates is always material",
			current: &models.Trailer{LocationSource: models.LocationSourceGPS},
			incoming: models.LocationSample{
				Source: models.LocationSourceGPS, Latitude: 40.0, Longitude: -74.0, ObservedAt: timePtr(base),
			},
			want: DecisionAccept,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveLocation(tt.current, tt.incoming)
			if got != tt.want {
				t.Errorf("ResolveLocation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveLocation_SameSampleTwiceIsImmaterial(t *testing.T) {
	// Accepting the same coordinates twice must not trigger address
	// re-derivation the second time, even when timestamps still satisfy
	// the acceptance rule.
	first := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	tr := gpsTrailer(40.0, -74.0, timePtr(first))

	second := models.LocationSample{
		Source:     models.LocationSourceGPS,
		Latitude:   40.0,
		Longitude:  -74.0,
		ObservedAt: timePtr(first.Add(time.Minute)),
	}
	if got := ResolveLocation(tr, second); got != DecisionAcceptImmaterial {
		t.Errorf("repeat sample decision = %v, want DecisionAcceptImmaterial", got)
	}
}

func TestApplyLocation_GPSClearsOverrideState(t *testing.T) {
	tr := gpsTrailer(40.0, -74.0, nil)
	// Lingering override bookkeeping on a gps-sourced record.
	tr.ManualOverride = true
	tr.LocationNotes = "stale note"
	tr.GPSStatus = models.GPSStatusDisconnected

	sample := models.LocationSample{
		Source:     models.LocationSourceGPS,
		Latitude:   41.0,
		Longitude:  -75.0,
		ObservedAt: timePtr(time.Now().UTC()),
	}
	if !applyLocation(tr, sample, DecisionAccept, "41 Main St") {
		t.Fatal("expected mutation")
	}

	if tr.ManualOverride {
		t.Error("manual override not cleared by accepted gps sample")
	}
	if tr.LocationNotes != "" {
		t.Errorf("location notes not cleared, got %q", tr.LocationNotes)
	}
	if tr.GPSStatus != models.GPSStatusConnected {
		t.Errorf("gps status = %q, want connected", tr.GPSStatus)
	}
	if tr.Address != "41 Main St" {
		t.Errorf("address = %q, want resolved address", tr.Address)
	}
}

func TestApplyLocation_ManualSetsOverrideAndNotes(t *testing.T) {
	tr := gpsTrailer(40.0, -74.0, nil)

	sample := models.LocationSample{
		Source:    models.LocationSourceManual,
		Latitude:  41.0,
		Longitude: -75.0,
		Notes:     "dropped at customer lot",
	}
	if !applyLocation(tr, sample, DecisionAccept, "Customer Lot") {
		t.Fatal("expected mutation")
	}

	if !tr.ManualOverride {
		t.Error("manual override not set")
	}
	if tr.LocationNotes != "dropped at customer lot" {
		t.Errorf("notes = %q", tr.LocationNotes)
	}
	if tr.LocationSource != models.LocationSourceManual {
		t.Errorf("source = %q, want manual", tr.LocationSource)
	}
}

func TestApplyLocation_ImmaterialKeepsAddress(t *testing.T) {
	tr := gpsTrailer(40.0, -74.0, nil)
	tr.Address = "40 Main St"

	sample := models.LocationSample{
		Source:     models.LocationSourceGPS,
		Latitude:   40.000001,
		Longitude:  -74.000001,
		ObservedAt: timePtr(time.Now().UTC()),
	}
	if !applyLocation(tr, sample, DecisionAcceptImmaterial, "") {
		t.Fatal("expected mutation")
	}

	if tr.Address != "40 Main St" {
		t.Errorf("address churned on immaterial move: %q", tr.Address)
	}
	if tr.Latitude == nil || *tr.Latitude != 40.000001 {
		t.Error("coordinates not updated on immaterial move")
	}
}

func TestApplyLocation_RejectIsNoOp(t *testing.T) {
	tr := manualTrailer(40.0, -74.0, nil)

	sample := models.LocationSample{
		Source:    models.LocationSourceGPS,
		Latitude:  41.0,
		Longitude: -75.0,
	}
	if applyLocation(tr, sample, DecisionReject, "ignored") {
		t.Fatal("rejected sample must not mutate")
	}
	if *tr.Latitude != 40.0 || !tr.ManualOverride {
		t.Error("trailer state changed by rejected sample")
	}
}
