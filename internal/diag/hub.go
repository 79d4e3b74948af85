// Package diag streams live person snapshots to websocket clients, one
// channel per camera instance.
package diag

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/care/fallguard/internal/tracking"
	"github.com/care/fallguard/internal/types"
)

// sendBuffer is the number of pending messages per client before drops
const sendBuffer = 16

// PersonsMessage is pushed after every processed frame of an instance
type PersonsMessage struct {
	Type       string                    `json:"type"`
	InstanceID string                    `json:"instance_id"`
	Timestamp  float64                   `json:"timestamp"`
	Event      types.Event               `json:"event,omitempty"`
	Surfaced   bool                      `json:"surfaced"`
	Persons    []tracking.PersonSnapshot `json:"persons"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub manages websocket connections per instance
type Hub struct {
	// clients maps instance_id -> set of connections
	clients map[string]map[*client]struct{}
	mu      sync.RWMutex

	dropped atomic.Uint64
}

// NewHub creates a new hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
	}
}

func (h *Hub) register(instanceID string, conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[instanceID] == nil {
		h.clients[instanceID] = make(map[*client]struct{})
	}
	h.clients[instanceID][c] = struct{}{}

	slog.Debug("diagnostics client registered",
		"instance_id", instanceID,
		"clients", len(h.clients[instanceID]))
	return c
}

// unregister removes c and closes its send channel. Safe to call twice.
func (h *Hub) unregister(instanceID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.clients[instanceID]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	close(c.send)
	if len(conns) == 0 {
		delete(h.clients, instanceID)
	}
	slog.Debug("diagnostics client unregistered", "instance_id", instanceID)
}

// HasClients reports whether anyone is watching instanceID
func (h *Hub) HasClients(instanceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[instanceID]) > 0
}

// ClientCount returns the total number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

// Dropped returns how many messages slow clients missed
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Broadcast queues message for every client of instanceID without blocking.
// A client whose buffer is full misses the message.
func (h *Hub) Broadcast(instanceID string, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[instanceID] {
		select {
		case c.send <- message:
		default:
			h.dropped.Add(1)
		}
	}
}

// PublishPersons sends the snapshot of one frame to the instance's watchers
func (h *Hub) PublishPersons(instanceID string, ts float64, event types.Event, surfaced bool, persons []tracking.PersonSnapshot) {
	if !h.HasClients(instanceID) {
		return
	}

	if persons == nil {
		persons = []tracking.PersonSnapshot{}
	}
	data, err := json.Marshal(PersonsMessage{
		Type:       "persons",
		InstanceID: instanceID,
		Timestamp:  ts,
		Event:      event,
		Surfaced:   surfaced,
		Persons:    persons,
	})
	if err != nil {
		slog.Error("failed to marshal persons message", "instance_id", instanceID, "error", err)
		return
	}
	h.Broadcast(instanceID, data)
}

// Close disconnects every client of instanceID, used when the instance is
// removed.
func (h *Hub) Close(instanceID string) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients[instanceID]))
	for c := range h.clients[instanceID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.unregister(instanceID, c)
	}
}
