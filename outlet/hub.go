package outlet

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Uranury/OpmGo/stream"
)

const writeTimeout = 5 * time.Second

// Hub broadcasts the stream to WebSocket clients. A client joining after
// the stream was declared receives the schema before any chunk.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	schema  *stream.Schema
}

// NewHub returns a hub with no clients.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Handle is the gin handler for the WebSocket endpoint.
func (h *Hub) Handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.mu.Lock()
	if h.schema != nil {
		if err := h.write(conn, Message{Type: MessageSchema, Schema: h.schema}); err != nil {
			h.mu.Unlock()
			h.logger.Warn("websocket client dropped", "remote", c.Request.RemoteAddr, "error", err)
			return
		}
	}
	h.clients[conn] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "remote", c.Request.RemoteAddr, "clients", total)

	// Clients only listen; reading detects when they go away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.clients, conn)
	total = len(h.clients)
	h.mu.Unlock()
	h.logger.Info("websocket client disconnected", "remote", c.Request.RemoteAddr, "clients", total)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Open declares the stream to current and future clients.
func (h *Hub) Open(_ context.Context, schema *stream.Schema) (stream.Sink, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.schema = schema
	h.broadcastLocked(Message{Type: MessageSchema, Schema: schema})
	return &hubSink{hub: h}, nil
}

func (h *Hub) write(conn *websocket.Conn, msg Message) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

// broadcastLocked sends msg to every client. Clients that fail are
// dropped; a slow consumer never fails the stream.
func (h *Hub) broadcastLocked(msg Message) {
	for conn := range h.clients {
		if err := h.write(conn, msg); err != nil {
			h.logger.Warn("websocket client dropped", "remote", conn.RemoteAddr().String(), "error", err)
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

type hubSink struct {
	hub *Hub
}

func (s *hubSink) Push(_ context.Context, chunk stream.Chunk) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.broadcastLocked(Message{Type: MessageChunk, Chunk: &chunk})
	return nil
}

// Close tells clients the stream ended and disconnects them.
func (s *hubSink) Close() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.broadcastLocked(Message{Type: MessageEnd})
	for conn := range s.hub.clients {
		conn.Close()
		delete(s.hub.clients, conn)
	}
	s.hub.schema = nil
	return nil
}
