package mirror

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opspulse/opspulse-engine/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// writeTimeout bounds each outbound frame; a stuck client is dropped rather
// than allowed to block the hub.
const writeTimeout = 10 * time.Second

const heartbeatInterval = 30 * time.Second

// Hub fans alerts out to connected websocket clients. It implements Notifier
// so the alert gate can treat it like any other channel.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]bool
	logger  *zap.Logger
	closed  bool
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// NewHub builds the alert stream hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: map[*client]bool{}, logger: logger}
}

// ServeHTTP upgrades the request and keeps the connection until the peer
// goes away. The read loop only drains control frames; the stream is
// one-directional.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = true
	h.mu.Unlock()
	metrics.WebSocketConnections.Inc()
	h.logger.Info("alert stream client connected", zap.String("remote", r.RemoteAddr))

	go h.heartbeat(c)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(c)
}

func (h *Hub) heartbeat(c *client) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		if err := c.writeJSON(map[string]string{"type": "heartbeat"}); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.mu.Unlock()
	c.conn.Close()
	metrics.WebSocketConnections.Dec()
}

// Notify broadcasts the alert to every connected client.
func (h *Hub) Notify(_ context.Context, alert Alert) error {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.writeJSON(alert); err != nil {
			h.logger.Warn("alert stream write failed", zap.Error(err))
			h.drop(c)
		}
	}
	return nil
}

// Close disconnects all clients and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.clients = map[*client]bool{}
	h.mu.Unlock()
	for _, c := range targets {
		c.conn.Close()
		metrics.WebSocketConnections.Dec()
	}
}
