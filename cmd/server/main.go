// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

// Command server runs the Trailwatch daemon: the fleet sync scheduler, the
// websocket event stream, and the HTTP API, all under one supervisor tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haulstack/trailwatch/internal/api"
	"github.com/haulstack/trailwatch/internal/config"
	"github.com/haulstack/trailwatch/internal/geocode"
	"github.com/haulstack/trailwatch/internal/logging"
	"github.com/haulstack/trailwatch/internal/ratelimit"
	"github.com/haulstack/trailwatch/internal/store"
	"github.com/haulstack/trailwatch/internal/supervisor"
	"github.com/haulstack/trailwatch/internal/supervisor/services"
	syncpkg "github.com/haulstack/trailwatch/internal/sync"
	"github.com/haulstack/trailwatch/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("store_path", cfg.Store.Path).
		Int("port", cfg.Server.Port).
		Dur("location_interval", cfg.Scheduler.LocationInterval).
		Msg("Starting Trailwatch")

	encryptor, err := config.NewCredentialEncryptor(cfg.Security.MasterSecret)
	if err != nil {
		logging.Fatal().Err(err).Msg("Credential encryption setup failed (set security.master_secret)")
	}
	if err := encryptor.ValidateEncryptionSetup(); err != nil {
		logging.Fatal().Err(err).Msg("Credential encryption self-test failed")
	}

	repo, err := store.Open(cfg.Store)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open store")
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()

	limiter := ratelimit.New(ratelimit.Options{
		InterOpDelay: cfg.RateLimit.InterOpDelay,
	})
	defer limiter.Close()

	hub := websocket.NewHub()
	geocoder := geocode.NewChain(geocode.NewNominatimProvider(cfg.Geocode))
	gateways := syncpkg.NewGatewayFactory(encryptor, cfg.Sync)
	manager := syncpkg.NewManager(repo, gateways, geocoder, hub, limiter, cfg)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewServer(manager, hub, cfg).Router(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	tree := supervisor.NewTree(
		slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		supervisor.DefaultTreeConfig(),
	)
	tree.AddSyncService(services.NewRunnerService("websocket-hub", hub))
	tree.AddSyncService(services.NewRunnerService("sync-manager", manager))
	tree.AddAPIService(services.NewHTTPService(server, 10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Str("addr", server.Addr).Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Shutting down, waiting for supervised services")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Trailwatch stopped")
}
