// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

// Package metrics provides Prometheus metrics collection for observability.
//
// Metrics are exposed at the /metrics endpoint in Prometheus text format
// and cover sync operations, the rate limiter, reverse geocoding, circuit
// breakers, and websocket notification delivery.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync Operation Metrics
	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_duration_seconds",
			Help:    "Duration of provider sync operations in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	SyncTrailersProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_trailers_processed_total",
			Help: "Total number of trailer records processed during sync",
		},
		[]string{"result"}, // "created", "updated", "skipped", "disconnected"
	)

	SyncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_errors_total",
			Help: "Total number of sync errors",
		},
		[]string{"error_type"}, // "provider_api", "auth", "store", "geocode", "validation"
	)

	SyncLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_last_success_timestamp",
			Help: "Unix timestamp of last successful sync",
		},
	)

	RefreshRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refresh_runs_total",
			Help: "Total number of location refresh runs per outcome",
		},
		[]string{"outcome"}, // "completed", "failed", "in_progress"
	)

	// Conflict Resolution Metrics
	LocationUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "location_updates_total",
			Help: "Location update decisions by outcome",
		},
		[]string{"decision"}, // "accepted", "rejected", "immaterial"
	)

	// Rate Limiter Metrics
	RateLimiterAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limiter_admitted_total",
			Help: "Operations admitted by the sliding-window rate limiter",
		},
		[]string{"operation"},
	)

	RateLimiterRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limiter_rejected_total",
			Help: "Operations rejected by the sliding-window rate limiter",
		},
		[]string{"operation"},
	)

	RateLimiterQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rate_limiter_queue_depth",
			Help: "Current depth of per-key operation queues",
		},
		[]string{"operation"},
	)

	RateLimiterQueueWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rate_limiter_queue_wait_seconds",
			Help:    "Time queued operations wait before execution",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	// Geocoding Metrics
	GeocodeLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geocode_lookups_total",
			Help: "Reverse geocoding lookups by outcome",
		},
		[]string{"outcome"}, // "ok", "error", "invalid_input"
	)

	GeocodeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geocode_lookup_duration_seconds",
			Help:    "Duration of reverse geocoding calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// WebSocket Metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WSMessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_messages_sent_total",
			Help: "Total number of WebSocket messages sent",
		},
	)

	WSErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_errors_total",
			Help: "Total number of WebSocket errors",
		},
		[]string{"error_type"},
	)

	// HTTP Metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordSyncOperation records the duration and outcome of one sync run.
func RecordSyncOperation(duration time.Duration, created, updated int, err error) {
	SyncDuration.Observe(duration.Seconds())
	if err == nil {
		SyncLastSuccess.SetToCurrentTime()
	}
	SyncTrailersProcessed.WithLabelValues("created").Add(float64(created))
	SyncTrailersProcessed.WithLabelValues("updated").Add(float64(updated))
}
