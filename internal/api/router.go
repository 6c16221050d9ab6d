// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

// Package api exposes the HTTP surface: provider test/sync, manual refresh,
// the websocket event stream, health, and Prometheus metrics.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haulstack/trailwatch/internal/config"
	"github.com/haulstack/trailwatch/internal/logging"
	"github.com/haulstack/trailwatch/internal/metrics"
	"github.com/haulstack/trailwatch/internal/store"
	syncpkg "github.com/haulstack/trailwatch/internal/sync"
	"github.com/haulstack/trailwatch/internal/websocket"
)

// Server bundles the HTTP handlers with their collaborators.
type Server struct {
	manager *syncpkg.Manager
	hub     *websocket.Hub
	cfg     *config.Config
}

func NewServer(manager *syncpkg.Manager, hub *websocket.Hub, cfg *config.Config) *Server {
	return &Server{manager: manager, hub: hub, cfg: cfg}
}

// Router builds the chi router with standard middleware and, unless
// disabled, edge rate limiting.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)
	if !s.cfg.RateLimit.HTTPDisabled {
		r.Use(httprate.LimitByIP(s.cfg.RateLimit.HTTPRequests, s.cfg.RateLimit.HTTPWindow))
	}

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/refresh/{userID}", s.handleRefresh)
		r.Post("/providers/{providerID}/test", s.handleProviderTest)
		r.Post("/providers/{providerID}/sync", s.handleProviderSync)
	})

	return r
}

// requestMetrics records request counts and latency per route pattern.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = r.URL.Path
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, pattern, strconv.Itoa(ww.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRefresh starts a fire-and-forget locations-only refresh. The
// response acknowledges immediately; progress arrives over the websocket.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	if s.manager.TriggerRefresh(userID) {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "user_id": userID})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "in_progress", "user_id": userID})
}

func (s *Server) handleProviderTest(w http.ResponseWriter, r *http.Request) {
	providerID, ok := parseProviderID(w, r)
	if !ok {
		return
	}

	result, err := s.manager.TestConnection(r.Context(), providerID)
	if err != nil && result == nil {
		writeStoreError(w, err)
		return
	}
	// The raw test outcome is always returned, failed tests included.
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleProviderSync(w http.ResponseWriter, r *http.Request) {
	providerID, ok := parseProviderID(w, r)
	if !ok {
		return
	}

	result, err := s.manager.SyncProvider(r.Context(), providerID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user_id query parameter")
		return
	}
	if err := s.hub.ServeWS(w, r, userID); err != nil {
		logging.Err(err).Str("user", userID).Msg("WebSocket upgrade failed")
	}
}

func parseProviderID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "providerID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid provider id")
		return uuid.Nil, false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "provider not found")
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
