package webhook

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

var ErrUnknownSubscriber = errors.New("unknown subscriber")

// Conn is one persistent push subscriber.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	Close() error
}

// Hub fans messages out to push subscribers. A subscriber whose send fails is
// closed and dropped.
type Hub struct {
	mu    sync.Mutex
	conns map[string]Conn
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]Conn)}
}

// Add registers conn and returns its subscriber id.
func (h *Hub) Add(conn Conn) string {
	id := uuid.NewString()
	h.mu.Lock()
	h.conns[id] = conn
	h.mu.Unlock()
	return id
}

func (h *Hub) Remove(id string) {
	h.mu.Lock()
	conn, ok := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Broadcast sends msg to every subscriber and returns how many received it.
func (h *Hub) Broadcast(ctx context.Context, msg []byte) int {
	h.mu.Lock()
	snapshot := make(map[string]Conn, len(h.conns))
	for id, c := range h.conns {
		snapshot[id] = c
	}
	h.mu.Unlock()

	delivered := 0
	for id, c := range snapshot {
		if err := c.Send(ctx, msg); err != nil {
			slog.Debug("dropping push subscriber", "subscriber_id", id, "err", err)
			h.Remove(id)
			continue
		}
		delivered++
	}
	return delivered
}

// SendTo delivers msg to one subscriber.
func (h *Hub) SendTo(ctx context.Context, id string, msg []byte) error {
	h.mu.Lock()
	c, ok := h.conns[id]
	h.mu.Unlock()
	if !ok {
		return ErrUnknownSubscriber
	}
	if err := c.Send(ctx, msg); err != nil {
		h.Remove(id)
		return err
	}
	return nil
}

// Close closes and drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]Conn)
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Serve registers ws and blocks until the peer disconnects. Inbound frames
// are discarded; subscribers only receive.
func (h *Hub) Serve(ws *websocket.Conn) {
	id := h.Add(&wsConn{ws: ws})
	defer h.Remove(id)
	var discard string
	for {
		if err := websocket.Message.Receive(ws, &discard); err != nil {
			return
		}
	}
}

type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// NewWSConn adapts a websocket connection to Conn.
func NewWSConn(ws *websocket.Conn) Conn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Send(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	}
	return websocket.Message.Send(c.ws, string(msg))
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
