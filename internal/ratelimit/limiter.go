// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

// Package ratelimit provides sliding-window admission control plus a
// per-key priority queue that serializes queued operations with
// inter-operation spacing.
//
// The limiter has no knowledge of GPS or sync semantics. Keys are opaque
// (scope, operation) pairs; the sync scheduler keys them by tenant and
// operation kind.
//
// All mutable state (timestamp windows, queues, the worker-active set) is
// owned by the Limiter struct and confined to a single critical section,
// never held as package-level state.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/haulstack/trailwatch/internal/metrics"
)

// Options configures a Limiter.
type Options struct {
	// PollInterval is how often WaitAllowance re-checks the window.
	// Default: 1s
	PollInterval time.Duration

	// InterOpDelay is the fixed spacing between consecutive executions
	// drained from one queue. Default: 1s
	InterOpDelay time.Duration
}

// Limiter implements sliding-window admission control keyed by
// (scope, operation), with an independent priority queue per key.
type Limiter struct {
	mu       sync.Mutex
	windows  map[string][]time.Time
	queues   map[string][]*queueItem
	draining map[string]bool // worker-active set, one drain worker per key

	pollInterval time.Duration
	interOpDelay time.Duration

	// now is replaceable in tests.
	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Limiter with the given options.
func New(opts Options) *Limiter {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.InterOpDelay <= 0 {
		opts.InterOpDelay = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Limiter{
		windows:      make(map[string][]time.Time),
		queues:       make(map[string][]*queueItem),
		draining:     make(map[string]bool),
		pollInterval: opts.PollInterval,
		interOpDelay: opts.InterOpDelay,
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Close cancels all queued work and waits for drain workers to exit.
// Pending items receive a rejection with context.Canceled.
func (l *Limiter) Close() {
	l.cancel()
	l.wg.Wait()

	l.mu.Lock()
	for key, queue := range l.queues {
		for _, item := range queue {
			item.deliver(Result{Err: context.Canceled})
		}
		delete(l.queues, key)
	}
	l.mu.Unlock()
}

// windowKey builds the map key for a (scope, operation) pair.
func windowKey(scope, op string) string {
	return scope + "|" + op
}

// Allow prunes the stored timestamp list for (scope, op) to entries within
// window of now. If the pruned count is below maxOps it records the current
// instant and returns true, otherwise false.
//
// Safe under concurrent callers for the same key: the check and the append
// happen inside one critical section.
func (l *Limiter) Allow(scope, op string, maxOps int, window time.Duration) bool {
	now := l.now()
	key := windowKey(scope, op)

	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.windows[key]
	cutoff := now.Add(-window)
	pruned := entries[:0]
	for _, t := range entries {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}

	if len(pruned) >= maxOps {
		l.windows[key] = pruned
		metrics.RateLimiterRejected.WithLabelValues(op).Inc()
		return false
	}

	l.windows[key] = append(pruned, now)
	metrics.RateLimiterAdmitted.WithLabelValues(op).Inc()
	return true
}

// WaitAllowance polls Allow on a fixed interval until admission succeeds or
// maxWait elapses. Returns false on timeout or context cancellation. The
// wait yields between polls; it never busy-spins.
func (l *Limiter) WaitAllowance(ctx context.Context, scope, op string, maxOps int, window, maxWait time.Duration) bool {
	if l.Allow(scope, op, maxOps, window) {
		return true
	}

	deadline := l.now().Add(maxWait)
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if l.Allow(scope, op, maxOps, window) {
				return true
			}
			if l.now().After(deadline) {
				return false
			}
		}
	}
}
