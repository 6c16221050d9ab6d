// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

package sync

import "errors"

var (
	// ErrAuth marks provider authentication failures (HTTP 401/403).
	// Auth errors are never retried; the provider is marked disconnected.
	ErrAuth = errors.New("provider authentication failed")

	// ErrRefreshInProgress is returned when a refresh is requested for a
	// user whose previous refresh has not finished. The caller treats it as
	// an acknowledgment, not a failure.
	ErrRefreshInProgress = errors.New("refresh already in progress for user")
)
