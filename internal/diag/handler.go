package diag

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades /ws/persons/{instance_id} requests
type Handler struct {
	hub *Hub
}

// NewHandler creates a new websocket handler
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP handles websocket upgrade requests. The instance id comes from
// the {instance_id} route wildcard, or from the path when mounted without one.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("instance_id")
	if instanceID == "" {
		instanceID = strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/ws/persons/"), "/")
	}
	if instanceID == "" || strings.Contains(instanceID, "/") {
		http.Error(w, "instance_id required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	slog.Info("diagnostics client connected",
		"instance_id", instanceID,
		"remote_addr", r.RemoteAddr)

	c := h.hub.register(instanceID, conn)
	go h.writePump(c)
	go h.readPump(instanceID, c)
}

// readPump only detects disconnection; clients are not expected to send
func (h *Handler) readPump(instanceID string, c *client) {
	defer h.hub.unregister(instanceID, c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("diagnostics read error", "instance_id", instanceID, "error", err)
			}
			return
		}
	}
}

// writePump is the only writer on the connection
func (h *Handler) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
