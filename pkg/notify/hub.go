package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// Hub is a WebSocket fan-out for frontend clients. Clients connect via
// ServeHTTP (mounted at /ws); Publish broadcasts to all of them.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*hubClient
}

type hubClient struct {
	conn *websocket.Conn
	send chan Notification
}

// Per-client buffered queue; a client that stops reading gets dropped
// rather than backing up the broadcast.
const clientQueueSize = 256

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[string]*hubClient),
	}
}

// ServeHTTP upgrades the request and pumps notifications until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // frontend runs on its own dev port
	})
	if err != nil {
		h.logger.Warn("ws accept failed", "error", err)
		return
	}

	id := uuid.NewString()
	client := &hubClient{conn: conn, send: make(chan Notification, clientQueueSize)}

	h.mu.Lock()
	h.clients[id] = client
	h.mu.Unlock()

	h.logger.Debug("ws client connected", "id", id, "remote", r.RemoteAddr)

	ctx := r.Context()
	defer func() {
		h.mu.Lock()
		delete(h.clients, id)
		h.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "bye")
		h.logger.Debug("ws client disconnected", "id", id)
	}()

	// Drain inbound frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-client.send:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, n)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// Publish broadcasts to every connected client. Full client queues are
// skipped; the frontend resyncs from the journal anyway.
func (h *Hub) Publish(_ context.Context, n Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- n:
		default:
		}
	}
}

// ClientCount reports connected frontends.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every client connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, id)
	}
}
