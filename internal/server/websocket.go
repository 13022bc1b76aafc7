package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketConn is the interface for WebSocket connection operations.
type WebSocketConn interface {
	io.Closer
	WriteJSON(v any) error
	ReadJSON(v any) error
}

var upgrader = websocket.Upgrader{
	CheckOrigin: checkOrigin,
}

// checkOrigin allows same-origin, loopback and private-network origins.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// Same-origin requests omit the Origin header
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		slog.Warn("rejected WebSocket connection: invalid origin URL", "origin", origin)
		return false
	}
	host := u.Hostname()

	requestHost := r.Host
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if host == requestHost || host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return true
	}

	slog.Warn("rejected WebSocket connection", "origin", origin, "host", host)
	return false
}

// UpgradeConnection upgrades an HTTP connection to WebSocket.
func UpgradeConnection(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

// WSCommand is a message from a feed client.
type WSCommand struct {
	Type        string `json:"type"`
	EquipmentID string `json:"equipmentId,omitempty"`
}

// Feed command types.
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
)

// WSMessage is a message to a feed client.
type WSMessage struct {
	Type        string `json:"type"`
	EquipmentID string `json:"equipmentId,omitempty"`
	Data        any    `json:"data,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SnapshotFunc produces the current message for one equipment, sent on subscribe.
type SnapshotFunc func(ctx context.Context, equipmentID string) (any, error)

// feedClient is one connected feed client.
type feedClient struct {
	send chan any
	// mu protects subs; an empty set receives every equipment
	mu   sync.Mutex
	subs map[string]struct{}
}

func (c *feedClient) wants(equipmentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 {
		return true
	}
	_, ok := c.subs[equipmentID]
	return ok
}

// Hub fans status messages out to WebSocket clients. It is safe for concurrent use.
type Hub struct {
	snapshot SnapshotFunc

	mu      sync.Mutex
	clients map[*feedClient]struct{}
}

// NewHub creates a hub. snapshot may be nil.
func NewHub(snapshot SnapshotFunc) *Hub {
	return &Hub{snapshot: snapshot, clients: make(map[*feedClient]struct{})}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues msg for every client subscribed to equipmentID. Slow
// clients drop messages rather than block the feed.
func (h *Hub) Broadcast(equipmentID string, msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.wants(equipmentID) {
			trySend(c.send, msg)
		}
	}
}

// ServeHTTP upgrades the connection and serves the feed until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := UpgradeConnection(w, r)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	c := &feedClient{send: make(chan any, 16), subs: make(map[string]struct{})}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	// Writer goroutine is the sole writer to the connection.
	go runWriter(conn, c.send)
	h.runReader(r.Context(), conn, c)

	h.mu.Lock()
	delete(h.clients, c)
	close(c.send)
	h.mu.Unlock()
}

// runWriter writes messages from send to the connection.
func runWriter(conn WebSocketConn, send <-chan any) {
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("WebSocket close error", "error", err)
		}
	}()
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// runReader handles subscription commands until the connection fails.
func (h *Hub) runReader(ctx context.Context, conn WebSocketConn, c *feedClient) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in WebSocket reader", "panic", r)
		}
	}()

	for {
		var cmd WSCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		switch cmd.Type {
		case CommandSubscribe:
			c.mu.Lock()
			c.subs[cmd.EquipmentID] = struct{}{}
			c.mu.Unlock()
			h.sendSnapshot(ctx, c, cmd.EquipmentID)
		case CommandUnsubscribe:
			c.mu.Lock()
			delete(c.subs, cmd.EquipmentID)
			c.mu.Unlock()
		default:
			trySend(c.send, WSMessage{Type: "error", Error: "unknown command " + cmd.Type})
		}
	}
}

func (h *Hub) sendSnapshot(ctx context.Context, c *feedClient, equipmentID string) {
	if h.snapshot == nil {
		return
	}
	data, err := h.snapshot(ctx, equipmentID)
	if err != nil {
		trySend(c.send, WSMessage{Type: "error", EquipmentID: equipmentID, Error: err.Error()})
		return
	}
	trySend(c.send, data)
}

// trySend attempts to send a message, logging a warning if the channel is full.
func trySend(send chan<- any, msg any) {
	select {
	case send <- msg:
	default:
		slog.Warn("dropped feed message: client channel full")
	}
}
