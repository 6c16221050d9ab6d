// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

// Package services adapts Trailwatch components to suture's Service
// contract. Each wrapper names its service for supervisor logging and
// translates the component's lifecycle into a blocking, context-aware
// Serve call.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ContextRunner is satisfied by components whose lifecycle is a single
// blocking Run/Serve call bound to a context, such as *websocket.Hub and
// *sync.Manager.
type ContextRunner interface {
	Serve(ctx context.Context) error
}

// RunnerService supervises any ContextRunner under a fixed name.
type RunnerService struct {
	runner ContextRunner
	name   string
}

func NewRunnerService(name string, runner ContextRunner) *RunnerService {
	return &RunnerService{runner: runner, name: name}
}

func (s *RunnerService) Serve(ctx context.Context) error {
	return s.runner.Serve(ctx)
}

func (s *RunnerService) String() string { return s.name }

// HTTPServer matches *http.Server's lifecycle methods.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService bridges http.Server's blocking ListenAndServe into the
// supervised Serve pattern with graceful shutdown.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		// The serve context is already cancelled; shutdown needs its own.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *HTTPService) String() string { return "http-server" }
