// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

package sync

import (
	"math"

	"github.com/haulstack/trailwatch/internal/models"
)

// coordEpsilon is the smallest coordinate delta treated as an actual move.
// Below it (roughly one meter) an update is positional noise and must not
// churn the stored address.
const coordEpsilon = 1e-5

// Decision is the outcome of resolving an incoming location against the
// trailer's current one.
type Decision int

const (
	// DecisionReject drops the incoming sample entirely.
	DecisionReject Decision = iota
	// DecisionAcceptImmaterial accepts the sample but the coordinates are
	// within epsilon of the current ones, so the address is not refreshed.
	DecisionAcceptImmaterial
	// DecisionAccept accepts the sample as a material move.
	DecisionAccept
)

// ResolveLocation decides whether an incoming location sample replaces the
// trailer's current location.
//
// Rules, in order:
//   - A manual sample always wins. Operators correct what devices get wrong,
//     and the latest operator input replaces any earlier one.
//   - A GPS sample never displaces a stored manual location. The override
//     stands until a subsequent manual update clears it.
//   - GPS versus GPS compares observation timestamps; a sample that is not
//     strictly newer is a stale duplicate and is rejected.
//   - Missing timestamps fail open: with no evidence of staleness the
//     sample is accepted.
func ResolveLocation(current *models.Trailer, incoming models.LocationSample) Decision {
	if incoming.Source == models.LocationSourceManual {
		return acceptWithMateriality(current, incoming)
	}

	// GPS sample from here on.
	if current.LocationSource == models.LocationSourceManual {
		return DecisionReject
	}

	if incoming.ObservedAt == nil || current.LocationUpdatedAt == nil {
		return acceptWithMateriality(current, incoming)
	}
	if !incoming.ObservedAt.After(*current.LocationUpdatedAt) {
		return DecisionReject
	}
	return acceptWithMateriality(current, incoming)
}

func acceptWithMateriality(current *models.Trailer, incoming models.LocationSample) Decision {
	if isMaterialMove(current, incoming) {
		return DecisionAccept
	}
	return DecisionAcceptImmaterial
}

// isMaterialMove reports whether incoming coordinates differ from the stored
// ones by at least coordEpsilon on either axis. A trailer with no stored
// coordinates always moves materially.
func isMaterialMove(current *models.Trailer, incoming models.LocationSample) bool {
	if current.Latitude == nil || current.Longitude == nil {
		return true
	}
	return math.Abs(*current.Latitude-incoming.Latitude) >= coordEpsilon ||
		math.Abs(*current.Longitude-incoming.Longitude) >= coordEpsilon
}

// applyLocation writes the accepted sample onto the trailer. address is the
// resolved address for material moves; for immaterial GPS moves the stored
// address is kept. Returns true when any field changed.
func applyLocation(trailer *models.Trailer, incoming models.LocationSample, decision Decision, address string) bool {
	if decision == DecisionReject {
		return false
	}

	lat, lon := incoming.Latitude, incoming.Longitude
	trailer.Latitude = &lat
	trailer.Longitude = &lon
	trailer.LocationSource = incoming.Source
	trailer.LocationUpdatedAt = incoming.ObservedAt

	switch incoming.Source {
	case models.LocationSourceManual:
		trailer.ManualOverride = true
		trailer.LocationNotes = incoming.Notes
	case models.LocationSourceGPS:
		// An accepted GPS sample retires any lingering override state so
		// manual bookkeeping cannot outlive the policy that set it.
		trailer.ManualOverride = false
		trailer.LocationNotes = ""
		trailer.GPSStatus = models.GPSStatusConnected
	}

	if decision == DecisionAccept || incoming.Source == models.LocationSourceManual {
		trailer.Address = address
	}
	return true
}
