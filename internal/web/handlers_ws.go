package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"dali-go-home/internal/dali"
)

const wsWriteTimeout = 5 * time.Second

// wsHub pushes decoded bus events to connected WebSocket clients. Events
// arrive one at a time from the driver's dispatch goroutine, so the hub
// writes synchronously instead of running per-client queues.
type wsHub struct {
	logger *slog.Logger

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

func newWSHub(logger *slog.Logger) *wsHub {
	return &wsHub{
		logger: logger,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// add registers a connection. It reports false once the hub has shut down.
func (h *wsHub) add(c *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	h.logger.Debug("ws client connected", "total", len(h.conns))
	return true
}

func (h *wsHub) remove(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		h.logger.Debug("ws client disconnected", "total", len(h.conns))
	}
}

// broadcastEvent delivers one event to every client. A client that cannot
// take the write within the deadline is disconnected.
func (h *wsHub) broadcastEvent(ev dali.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("ws marshal", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := c.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			delete(h.conns, c)
			c.Close(websocket.StatusPolicyViolation, "write stalled")
			h.logger.Warn("ws client dropped", "err", err)
		}
	}
}

// shutdown disconnects every client and refuses new ones. Safe to call
// more than once.
func (h *wsHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.conns {
		c.Close(websocket.StatusGoingAway, "server shutdown")
		delete(h.conns, c)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// Without configured origins nhooyr falls back to a same-origin check.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	if !s.wsHub.add(conn) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	defer s.wsHub.remove(conn)

	// Clients only listen; drain until they disconnect or the hub closes
	// the connection under us.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}
