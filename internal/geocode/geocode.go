// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

// Package geocode provides reverse geocoding for trailer coordinates.
//
// The AddressLookup interface is what the sync engine consumes; providers
// are tried in order until one succeeds. A failed or unavailable lookup is
// never fatal to a sync batch: callers fall back to the provider-supplied
// address string or the Unavailable sentinel.
package geocode

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/haulstack/trailwatch/internal/config"
	"github.com/haulstack/trailwatch/internal/logging"
	"github.com/haulstack/trailwatch/internal/metrics"
)

// Unavailable is the sentinel address stored when no lookup source could
// resolve a human-readable address.
const Unavailable = "Location unavailable"

// ErrInvalidCoordinates is returned for out-of-range latitude or longitude.
var ErrInvalidCoordinates = fmt.Errorf("invalid coordinates")

// ValidateCoordinates checks latitude ∈ [-90, 90] and longitude ∈ [-180, 180].
func ValidateCoordinates(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %f out of range", ErrInvalidCoordinates, lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %f out of range", ErrInvalidCoordinates, lon)
	}
	return nil
}

// AddressLookup resolves coordinates to a human-readable address.
type AddressLookup interface {
	// ReverseGeocode returns an address for the given coordinates.
	ReverseGeocode(ctx context.Context, lat, lon float64) (string, error)

	// Name returns the provider name for logging and metrics.
	Name() string

	// IsAvailable checks if the provider is properly configured.
	IsAvailable() bool
}

// NominatimProvider implements AddressLookup against a Nominatim-compatible
// reverse geocoding endpoint. Public instances require a descriptive
// User-Agent and allow at most one request per second.
type NominatimProvider struct {
	client    *http.Client
	baseURL   string
	userAgent string
}

// nominatimResponse is the subset of the Nominatim reverse response we use.
type nominatimResponse struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
}

// NewNominatimProvider creates a provider from geocode configuration.
func NewNominatimProvider(cfg config.GeocodeConfig) *NominatimProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NominatimProvider{
		client:    &http.Client{Timeout: timeout},
		baseURL:   cfg.BaseURL,
		userAgent: cfg.UserAgent,
	}
}

// Name returns the provider name.
func (p *NominatimProvider) Name() string {
	return "nominatim"
}

// IsAvailable returns true if a base URL is configured.
func (p *NominatimProvider) IsAvailable() bool {
	return p.baseURL != ""
}

// ReverseGeocode queries the reverse endpoint for a display address.
func (p *NominatimProvider) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	if err := ValidateCoordinates(lat, lon); err != nil {
		return "", err
	}

	endpoint, err := url.Parse(p.baseURL + "/reverse")
	if err != nil {
		return "", fmt.Errorf("invalid geocode base URL: %w", err)
	}
	q := endpoint.Query()
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', 6, 64))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build geocode request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	metrics.GeocodeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("geocode request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geocode request returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read geocode response: %w", err)
	}

	var parsed nominatimResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode geocode response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("geocode error: %s", parsed.Error)
	}
	if parsed.DisplayName == "" {
		return "", fmt.Errorf("geocode returned empty address")
	}

	return parsed.DisplayName, nil
}

// Chain tries a list of lookup providers in order until one succeeds.
type Chain struct {
	providers []AddressLookup
}

// NewChain builds a lookup chain. Unavailable providers are skipped at
// lookup time, not at construction.
func NewChain(providers ...AddressLookup) *Chain {
	return &Chain{providers: providers}
}

// Name returns the chain name.
func (c *Chain) Name() string {
	return "chain"
}

// IsAvailable reports whether at least one provider is available.
func (c *Chain) IsAvailable() bool {
	for _, p := range c.providers {
		if p.IsAvailable() {
			return true
		}
	}
	return false
}

// ReverseGeocode tries each available provider in order.
func (c *Chain) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	if err := ValidateCoordinates(lat, lon); err != nil {
		metrics.GeocodeLookups.WithLabelValues("invalid_input").Inc()
		return "", err
	}

	var lastErr error
	for _, p := range c.providers {
		if !p.IsAvailable() {
			continue
		}

		address, err := p.ReverseGeocode(ctx, lat, lon)
		if err != nil {
			logging.Debug().Str("provider", p.Name()).Float64("lat", lat).Float64("lon", lon).Err(err).Msg("Geocode provider failed")
			lastErr = err
			continue
		}

		metrics.GeocodeLookups.WithLabelValues("ok").Inc()
		return address, nil
	}

	metrics.GeocodeLookups.WithLabelValues("error").Inc()
	if lastErr != nil {
		return "", fmt.Errorf("all geocode providers failed: %w", lastErr)
	}
	return "", fmt.Errorf("no geocode providers available")
}
