// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haulstack/trailwatch/internal/logging"
)

// retryWithBackoff runs fn up to maxAttempts times with exponential backoff
// starting at baseDelay. Auth errors and context cancellation abort the loop
// immediately; retrying bad credentials only burns vendor quota.
func retryWithBackoff(ctx context.Context, maxAttempts int, baseDelay time.Duration, label string, fn func(ctx context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := baseDelay * time.Duration(1<<(attempt-2))
			logging.Debug().
				Str("operation", label).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Retrying after backoff")
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrAuth) || errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if IsBreakerOpen(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", label, maxAttempts, lastErr)
}

// sleepCtx waits for d or until ctx is done. Returns false when cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func strPtr(s string) *string { return &s }
