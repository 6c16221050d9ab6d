// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/haulstack/trailwatch/internal/logging"
	"github.com/haulstack/trailwatch/internal/models"
)

const (
	maxRequestRetries = 3
	retryBaseDelay    = 1 * time.Second

	// requestsPerSecond paces outbound calls per vendor so a full-fleet
	// fetch cannot trip vendor-side throttling on its own.
	requestsPerSecond = 5
	requestBurst      = 10
)

// defaultVendorURLs are used when a provider's credential payload carries no
// explicit base URL.
var defaultVendorURLs = map[models.VendorType]string{
	models.VendorSkyTrack:   "https://api.skytrack.io",
	models.VendorFleetPulse: "https://cloud.fleetpulse.com",
	models.VendorOmniTrace:  "https://telematics.omnitrace.net",
}

// TelematicsClient talks to one vendor's HTTP API and normalizes responses
// into the shared record types. All vendors expose the same wire shape
// behind vendor-specific hosts.
type TelematicsClient struct {
	vendor     models.VendorType
	baseURL    string
	apiKey     string
	client     *http.Client
	pacer      *rate.Limiter
	retryDelay time.Duration
}

func NewTelematicsClient(vendor models.VendorType, creds Credentials, timeout time.Duration) (*TelematicsClient, error) {
	baseURL := creds.BaseURL
	if baseURL == "" {
		baseURL = defaultVendorURLs[vendor]
	}
	if baseURL == "" {
		return nil, fmt.Errorf("unsupported vendor %q", vendor)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL for vendor %s: %w", vendor, err)
	}
	if creds.APIKey == "" {
		return nil, fmt.Errorf("%w: missing api key", ErrAuth)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TelematicsClient{
		vendor:     vendor,
		baseURL:    baseURL,
		apiKey:     creds.APIKey,
		client:     &http.Client{Timeout: timeout},
		pacer:      rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst),
		retryDelay: retryBaseDelay,
	}, nil
}

type pingResponse struct {
	Status       string `json:"status"`
	TrailerCount int    `json:"trailer_count"`
}

type trailersResponse struct {
	Trailers []models.TrailerRecord `json:"trailers"`
}

type locationsResponse struct {
	Locations []models.LocationRecord `json:"locations"`
}

// TestConnection verifies the credentials against the vendor's ping
// endpoint. The returned TestResult is non-nil even on failure.
func (c *TelematicsClient) TestConnection(ctx context.Context) (*models.TestResult, error) {
	var ping pingResponse
	if err := c.getJSON(ctx, "/v1/ping", &ping); err != nil {
		return &models.TestResult{Success: false, Error: err.Error()}, err
	}
	return &models.TestResult{Success: true, TrailerCount: ping.TrailerCount}, nil
}

// FetchFullData retrieves all trailer records, identity and location.
func (c *TelematicsClient) FetchFullData(ctx context.Context) ([]models.TrailerRecord, error) {
	var resp trailersResponse
	if err := c.getJSON(ctx, "/v1/trailers", &resp); err != nil {
		return nil, err
	}
	return resp.Trailers, nil
}

// FetchLocations retrieves location-only records.
func (c *TelematicsClient) FetchLocations(ctx context.Context) ([]models.LocationRecord, error) {
	var resp locationsResponse
	if err := c.getJSON(ctx, "/v1/trailers/locations", &resp); err != nil {
		return nil, err
	}
	return resp.Locations, nil
}

// getJSON performs a paced GET with retries. Rate-limit (429) and server
// (5xx) responses are retried with exponential backoff, honoring a
// Retry-After header when the vendor sends one. Auth failures (401/403)
// return ErrAuth immediately.
func (c *TelematicsClient) getJSON(ctx context.Context, path string, out any) error {
	var lastErr error

	for attempt := 0; attempt < maxRequestRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1))
			if ra, ok := retryAfterFromErr(lastErr); ok {
				delay = ra
			}
			logging.Debug().
				Str("vendor", string(c.vendor)).
				Str("path", path).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("Retrying vendor request")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.pacer.Wait(ctx); err != nil {
			return err
		}

		err := c.doOnce(ctx, path, out)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%s %s: giving up after %d attempts: %w", c.vendor, path, maxRequestRetries, lastErr)
}

func (c *TelematicsClient) doOnce(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &transientError{err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return &transientError{err: err}
		}
		return json.Unmarshal(body, out)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: vendor returned %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return &transientError{
			err:        fmt.Errorf("vendor rate limited (429)"),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return &transientError{err: fmt.Errorf("vendor returned %d", resp.StatusCode)}
	default:
		return fmt.Errorf("vendor returned unexpected status %d", resp.StatusCode)
	}
}

// transientError marks failures worth retrying, optionally carrying the
// vendor's Retry-After hint.
type transientError struct {
	err        error
	retryAfter time.Duration
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

func retryAfterFromErr(err error) (time.Duration, bool) {
	var te *transientError
	if errors.As(err, &te) && te.retryAfter > 0 {
		return te.retryAfter, true
	}
	return 0, false
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return 0
	}
	// Cap so a hostile header cannot stall a sync run.
	if secs > 60 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}
