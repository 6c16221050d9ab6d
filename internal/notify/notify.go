// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

// Package notify defines the best-effort notification side channel used by
// the sync engine to report refresh progress to connected clients.
//
// Delivery is fire-and-forget: a sink must never block the caller and a
// failed delivery is never an error to the sync run that produced it.
package notify

import (
	"time"

	"github.com/haulstack/trailwatch/internal/models"
)

// EventType identifies the kind of refresh event.
type EventType string

const (
	EventRefreshStarted   EventType = "refresh_started"
	EventRefreshProgress  EventType = "refresh_progress"
	EventRefreshCompleted EventType = "refresh_completed"
	EventRefreshError     EventType = "refresh_error"
)

// Event is one refresh lifecycle notification keyed by user id.
type Event struct {
	Type     EventType  `json:"type"`
	UserID   string     `json:"user_id"`
	Provider string     `json:"provider,omitempty"`
	// Processed and Total describe progress through the user's providers.
	Processed int                `json:"processed,omitempty"`
	Total     int                `json:"total,omitempty"`
	Message   string             `json:"message,omitempty"`
	Result    *models.SyncResult `json:"result,omitempty"`
	At        time.Time          `json:"at"`
}

// Sink receives events for a specific user. Implementations must be safe
// for concurrent use and must not block.
type Sink interface {
	Notify(userID string, event Event)
}

// NopSink discards all events. Used when no client transport is wired.
type NopSink struct{}

// Notify implements Sink.
func (NopSink) Notify(string, Event) {}
