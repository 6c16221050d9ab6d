// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/haulstack/trailwatch/internal/logging"
	"github.com/haulstack/trailwatch/internal/metrics"
)

// QueueOptions configures a queued operation.
type QueueOptions struct {
	// MaxOps and Window define the admission window the drain worker must
	// satisfy before executing the operation.
	MaxOps int
	Window time.Duration

	// Priority orders the queue: higher values drain first. Items of equal
	// priority drain in enqueue order.
	Priority int

	// MaxWait bounds how long the drain worker waits for allowance before
	// re-queueing the item at the tail and parking.
	MaxWait time.Duration
}

// Result carries the outcome of a queued operation.
type Result struct {
	Value any
	Err   error
}

// queueItem is one pending operation in a per-key queue.
type queueItem struct {
	scope      string
	op         string
	fn         func(context.Context) (any, error)
	opts       QueueOptions
	enqueuedAt time.Time
	result     chan Result
	delivered  bool
}

// deliver resolves the item's result channel exactly once.
func (it *queueItem) deliver(r Result) {
	if it.delivered {
		return
	}
	it.delivered = true
	it.result <- r
}

// Enqueue inserts fn into the queue for (scope, op), ordered by
// (priority desc, enqueue time asc), and ensures exactly one drain worker
// is active for that key. The returned channel receives exactly one Result
// when fn eventually executes, or a rejection if the limiter is closed.
func (l *Limiter) Enqueue(scope, op string, fn func(context.Context) (any, error), opts QueueOptions) <-chan Result {
	item := &queueItem{
		scope:      scope,
		op:         op,
		fn:         fn,
		opts:       opts,
		enqueuedAt: l.now(),
		result:     make(chan Result, 1),
	}

	key := windowKey(scope, op)

	l.mu.Lock()
	if l.ctx.Err() != nil {
		l.mu.Unlock()
		item.deliver(Result{Err: l.ctx.Err()})
		return item.result
	}

	l.queues[key] = l.insertByPriority(l.queues[key], item)
	metrics.RateLimiterQueueDepth.WithLabelValues(op).Set(float64(len(l.queues[key])))

	if !l.draining[key] {
		l.draining[key] = true
		l.wg.Add(1)
		go l.drain(key)
	}
	l.mu.Unlock()

	return item.result
}

// insertByPriority inserts item keeping the queue sorted by priority
// descending, then enqueue time ascending. Insertion after the last item of
// equal priority keeps ordering stable without re-sorting.
func (l *Limiter) insertByPriority(queue []*queueItem, item *queueItem) []*queueItem {
	pos := len(queue)
	for i, existing := range queue {
		if existing.opts.Priority < item.opts.Priority {
			pos = i
			break
		}
	}

	queue = append(queue, nil)
	copy(queue[pos+1:], queue[pos:])
	queue[pos] = item
	return queue
}

// drain is the single worker for one (scope, op) key. It pops the head,
// waits for window allowance, executes, and spaces executions by the
// inter-operation delay. On allowance timeout the item is re-queued at the
// tail and the worker parks; the next Enqueue for the key resumes draining.
func (l *Limiter) drain(key string) {
	defer l.wg.Done()

	for {
		l.mu.Lock()
		queue := l.queues[key]
		if len(queue) == 0 || l.ctx.Err() != nil {
			l.draining[key] = false
			l.mu.Unlock()
			return
		}
		item := queue[0]
		l.queues[key] = queue[1:]
		metrics.RateLimiterQueueDepth.WithLabelValues(item.op).Set(float64(len(l.queues[key])))
		l.mu.Unlock()

		if !l.WaitAllowance(l.ctx, item.scope, item.op, item.opts.MaxOps, item.opts.Window, item.opts.MaxWait) {
			if l.ctx.Err() != nil {
				item.deliver(Result{Err: l.ctx.Err()})
				continue
			}

			// Allowance timed out. Park the worker instead of spinning; the
			// item goes back to the tail so other priorities are not starved.
			logging.Warn().
				Str("scope", item.scope).
				Str("operation", item.op).
				Dur("max_wait", item.opts.MaxWait).
				Msg("Rate limit allowance timed out, re-queueing operation")

			l.mu.Lock()
			l.queues[key] = append(l.queues[key], item)
			metrics.RateLimiterQueueDepth.WithLabelValues(item.op).Set(float64(len(l.queues[key])))
			l.draining[key] = false
			l.mu.Unlock()
			return
		}

		metrics.RateLimiterQueueWait.Observe(l.now().Sub(item.enqueuedAt).Seconds())
		l.execute(item)

		select {
		case <-l.ctx.Done():
		case <-time.After(l.interOpDelay):
		}
	}
}

// execute runs one item, capturing panics and errors into its result so a
// failing operation never stops the drain loop for subsequent items.
func (l *Limiter) execute(item *queueItem) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("scope", item.scope).
				Str("operation", item.op).
				Any("panic", r).
				Msg("Queued operation panicked")
			item.deliver(Result{Err: fmt.Errorf("queued operation panicked: %v", r)})
		}
	}()

	value, err := item.fn(l.ctx)
	item.deliver(Result{Value: value, Err: err})
}
