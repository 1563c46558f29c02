package console

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mrashdan/portalwatch/internal/metrics"
	"github.com/mrashdan/portalwatch/internal/reconciler"
	"github.com/mrashdan/portalwatch/internal/riskapi"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// MessageType for console stream messages.
type MessageType string

const (
	MessageSnapshot       MessageType = "snapshot"
	MessageNewFingerprint MessageType = "new_fingerprint"
	MessageAdminAction    MessageType = "admin_action"
)

// Message is one frame on the console stream.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// Subscription filters for a connected operator.
type Subscription struct {
	AllMessages  bool          `json:"allMessages"`
	MessageTypes []MessageType `json:"messageTypes"`
}

// Client is one connected operator console.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients bounds concurrent operator connections.
const MaxClients = 512

// Hub fans reconciler snapshots and fingerprint notifications out to
// every connected operator. It implements the reconciler's Notifier and
// Renderer, so wiring the console is just passing the hub twice.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Message
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalMessages atomic.Int64
	totalClients  atomic.Int64
}

// NewHub creates a hub; call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run is the hub's main loop; it exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("console stream hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("console stream hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("operator connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("operator disconnected", "total", n)

		case msg := <-h.broadcast:
			h.totalMessages.Add(1)
			raw, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("console message marshal failed", "error", err)
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if !client.wants(msg.Type) {
					continue
				}
				select {
				case client.send <- raw:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// Broadcast queues a message for every matching operator; a full
// broadcast buffer drops the message rather than blocking the caller.
func (h *Hub) Broadcast(msg *Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("console broadcast buffer full, dropping message", "type", string(msg.Type))
	}
}

// Render implements reconciler.Renderer: every successful poll streams
// the complete snapshot.
func (h *Hub) Render(s reconciler.Snapshot) {
	h.Broadcast(&Message{Type: MessageSnapshot, Timestamp: time.Now().UTC(), Data: s})
}

// FingerprintDetected implements reconciler.Notifier.
func (h *Hub) FingerprintDetected(fp riskapi.Fingerprint) {
	h.Broadcast(&Message{Type: MessageNewFingerprint, Timestamp: time.Now().UTC(), Data: fp})
}

// BroadcastAdminAction announces an operator action to all consoles.
func (h *Hub) BroadcastAdminAction(action string, details map[string]any) {
	data := map[string]any{"action": action}
	for k, v := range details {
		data[k] = v
	}
	h.Broadcast(&Message{Type: MessageAdminAction, Timestamp: time.Now().UTC(), Data: data})
}

// Stats returns hub counters for the status endpoint.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]any{
		"connected_clients": len(h.clients),
		"total_messages":    h.totalMessages.Load(),
		"total_clients":     h.totalClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to the console stream.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  Subscription{AllMessages: true},
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// wants checks the client's subscription filter.
func (c *Client) wants(t MessageType) bool {
	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()

	if sub.AllMessages {
		return true
	}
	for _, mt := range sub.MessageTypes {
		if mt == t {
			return true
		}
	}
	return false
}

// readPump reads subscription updates and pongs from the operator.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages and keepalive pings to the operator.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
