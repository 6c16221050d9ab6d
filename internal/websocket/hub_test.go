// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/haulstack/trailwatch/internal/notify"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func dialHub(t *testing.T, hub *Hub, userID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := hub.ServeWS(w, r, userID); err != nil {
			t.Errorf("serve ws: %v", err)
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.RLock()
		got := hub.connectionCountLocked()
		hub.mu.RUnlock()
		if got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("hub never reached %d clients", want)
}

func TestHub_NotifyReachesUserConnection(t *testing.T) {
	hub := startHub(t)
	conn := dialHub(t, hub, "user-1")
	waitForClients(t, hub, 1)

	event := notify.Event{
		Type:   notify.EventRefreshCompleted,
		UserID: "user-1",
		At:     time.Now().UTC(),
	}
	hub.Notify("user-1", event)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var msg struct {
		Type string       `json:"type"`
		Data notify.Event `json:"data"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != MessageTypeRefresh {
		t.Errorf("type = %q, want %q", msg.Type, MessageTypeRefresh)
	}
	if msg.Data.Type != notify.EventRefreshCompleted || msg.Data.UserID != "user-1" {
		t.Errorf("unexpected event %+v", msg.Data)
	}
}

func TestHub_NotifyIsScopedToUser(t *testing.T) {
	hub := startHub(t)
	other := dialHub(t, hub, "user-2")
	waitForClients(t, hub, 1)

	hub.Notify("user-1", notify.Event{Type: notify.EventRefreshStarted, UserID: "user-1"})

	_ = other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Error("user-2 received an event addressed to user-1")
	}
}

func TestServeWS_AfterShutdownReturnsError(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		_ = hub.Serve(ctx)
		close(served)
	}()
	cancel()
	<-served

	errCh := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errCh <- hub.ServeWS(w, r, "user-1")
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		_ = conn.Close()
	}
	if resp != nil {
		_ = resp.Body.Close()
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrHubStopped) {
			t.Errorf("err = %v, want ErrHubStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never returned")
	}
}

func TestHub_ClientTeardownAfterShutdownReleasesPumps(t *testing.T) {
	before := runtime.NumGoroutine()

	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		_ = hub.Serve(ctx)
		close(served)
	}()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.ServeWS(w, r, "user-1")
	}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	waitForClients(t, hub, 1)

	cancel()
	<-served
	_ = conn.Close()
	srv.Close()

	// Both pumps must wind down even though nobody reads unregister
	// anymore.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("goroutines leaked after shutdown: started with %d, still %d", before, runtime.NumGoroutine())
}

func TestHub_BroadcastReachesAllUsers(t *testing.T) {
	hub := startHub(t)
	a := dialHub(t, hub, "user-a")
	b := dialHub(t, hub, "user-b")
	waitForClients(t, hub, 2)

	hub.Broadcast("maintenance", map[string]string{"status": "window"})

	for _, conn := range []*websocket.Conn{a, b} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			t.Errorf("broadcast not delivered: %v", err)
		}
	}
}
