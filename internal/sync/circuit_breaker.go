// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

package sync

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/haulstack/trailwatch/internal/logging"
	"github.com/haulstack/trailwatch/internal/metrics"
	"github.com/haulstack/trailwatch/internal/models"
)

// BreakerGateway wraps a ProviderGateway with a circuit breaker so a vendor
// outage stops producing request storms. Auth errors count as failures like
// any other; a tripped breaker resolves itself through the half-open probe.
type BreakerGateway struct {
	name    string
	inner   ProviderGateway
	breaker *gobreaker.CircuitBreaker[any]
}

func NewBreakerGateway(name string, inner ProviderGateway) *BreakerGateway {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     120 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Provider circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	}
	return &BreakerGateway{
		name:    name,
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// IsBreakerOpen reports whether err came from a tripped breaker rather than
// the vendor itself.
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (g *BreakerGateway) TestConnection(ctx context.Context) (*models.TestResult, error) {
	v, err := g.breaker.Execute(func() (any, error) {
		return g.inner.TestConnection(ctx)
	})
	if result, ok := v.(*models.TestResult); ok {
		return result, err
	}
	if err != nil {
		return &models.TestResult{Success: false, Error: err.Error()}, err
	}
	return nil, err
}

func (g *BreakerGateway) FetchFullData(ctx context.Context) ([]models.TrailerRecord, error) {
	v, err := g.breaker.Execute(func() (any, error) {
		return g.inner.FetchFullData(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.TrailerRecord), nil
}

func (g *BreakerGateway) FetchLocations(ctx context.Context) ([]models.LocationRecord, error) {
	v, err := g.breaker.Execute(func() (any, error) {
		return g.inner.FetchLocations(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.LocationRecord), nil
}
