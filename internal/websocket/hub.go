// Trailwatch - Fleet GPS Synchronization and Conflict Resolution
// Copyright 2026 Haulstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/haulstack/trailwatch

// Package websocket delivers refresh progress events to connected browser
// clients. Connections are registered per user id, so the hub can address
// a single user's connections as well as broadcast fleet-wide messages.
package websocket

import (
	"context"
	"errors"
	"sync"

	"github.com/haulstack/trailwatch/internal/logging"
	"github.com/haulstack/trailwatch/internal/metrics"
	"github.com/haulstack/trailwatch/internal/notify"
)

// Message types for WebSocket communication.
const (
	MessageTypePing    = "ping"
	MessageTypePong    = "pong"
	MessageTypeRefresh = "refresh_event"
)

// Message is one frame sent to a client.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ErrHubStopped is returned when a connection arrives while the hub is not
// serving.
var ErrHubStopped = errors.New("websocket hub is not running")

// Hub maintains the set of active clients keyed by user id.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // user id -> connections

	register   chan *Client
	unregister chan *Client

	// done is replaced on each Serve and closed when that Serve exits, so
	// client pumps never block on lifecycle channels nobody is reading.
	done chan struct{}
}

// NewHub creates a Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// doneChan returns the channel closed when the current Serve exits.
func (h *Hub) doneChan() <-chan struct{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.done
}

// Serve processes client lifecycle events until the context is canceled.
// Designed for suture supervision: on cancellation every connection is
// closed so a restarted hub starts clean.
func (h *Hub) Serve(ctx context.Context) error {
	done := make(chan struct{})
	h.mu.Lock()
	h.done = done
	h.mu.Unlock()
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()

		case client := <-h.register:
			h.mu.Lock()
			conns := h.clients[client.userID]
			if conns == nil {
				conns = make(map[*Client]struct{})
				h.clients[client.userID] = conns
			}
			conns[client] = struct{}{}
			total := h.connectionCountLocked()
			h.mu.Unlock()

			metrics.WSConnections.Set(float64(total))
			logging.Info().Str("user", client.userID).Int("total_clients", total).Msg("websocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if conns, ok := h.clients[client.userID]; ok {
				if _, ok := conns[client]; ok {
					delete(conns, client)
					close(client.send)
					if len(conns) == 0 {
						delete(h.clients, client.userID)
					}
				}
			}
			total := h.connectionCountLocked()
			h.mu.Unlock()

			metrics.WSConnections.Set(float64(total))
			logging.Info().Str("user", client.userID).Int("total_clients", total).Msg("websocket client disconnected")
		}
	}
}

// connectionCountLocked counts connections; caller must hold mu.
func (h *Hub) connectionCountLocked() int {
	n := 0
	for _, conns := range h.clients {
		n += len(conns)
	}
	return n
}

// closeAll disconnects every client. Used during shutdown.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, conns := range h.clients {
		for client := range conns {
			close(client.send)
		}
		delete(h.clients, userID)
	}
	metrics.WSConnections.Set(0)
}

// Notify implements notify.Sink: it delivers one refresh event to every
// connection of the given user. Slow clients are skipped, never waited on.
func (h *Hub) Notify(userID string, event notify.Event) {
	msg := Message{Type: MessageTypeRefresh, Data: event}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[userID] {
		select {
		case client.send <- msg:
			metrics.WSMessagesSent.Inc()
		default:
			// Buffer full. Dropping beats blocking the sync engine.
			metrics.WSErrors.WithLabelValues("send_buffer_full").Inc()
		}
	}
}

// Broadcast sends a message to every connected client regardless of user.
func (h *Hub) Broadcast(messageType string, data any) {
	msg := Message{Type: messageType, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conns := range h.clients {
		for client := range conns {
			select {
			case client.send <- msg:
				metrics.WSMessagesSent.Inc()
			default:
				metrics.WSErrors.WithLabelValues("send_buffer_full").Inc()
			}
		}
	}
}
