package devserver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"

	"github.com/livechat/internal/auth"
)

// writeTimeout bounds a single frame write to a slow client
const writeTimeout = 5 * time.Second

type client struct {
	conn   *websocket.Conn
	claims *auth.Claims
}

// hub tracks connected operator sockets
type hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*client]struct{})}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// Len returns the number of connected sockets
func (h *hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) snapshot() []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// broadcast writes v to every connected socket
func (h *hub) broadcast(ctx context.Context, v interface{}) int {
	sent := 0
	for _, c := range h.snapshot() {
		if err := c.send(ctx, v); err != nil {
			log.Warn().Err(err).Str("username", c.claims.Username).Msg("Failed to deliver frame")
			continue
		}
		sent++
	}
	return sent
}

// closeAll ends every socket with code
func (h *hub) closeAll(code websocket.StatusCode, reason string) {
	for _, c := range h.snapshot() {
		c.conn.Close(code, reason)
		h.remove(c)
	}
}

func (c *client) send(ctx context.Context, v interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, v)
}

// inboundFrame is the union of frames an operator may send
type inboundFrame struct {
	Type        string          `json:"type"`
	RecipientID json.RawMessage `json:"recipient_id"`
	Content     string          `json:"content"`
}

type connectionStatusFrame struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type chatMessageFrame struct {
	Type       string `json:"type"`
	MessageID  int64  `json:"message_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp"`
	IsAdmin    bool   `json:"is_admin"`
}

type notificationFrame struct {
	Type           string `json:"type"`
	SenderID       string `json:"sender_id"`
	Title          string `json:"title"`
	Message        string `json:"message"`
	ContentPreview string `json:"content_preview"`
	Timestamp      string `json:"timestamp"`
}

type messageSentFrame struct {
	Type        string `json:"type"`
	MessageID   int64  `json:"message_id"`
	RecipientID string `json:"recipient_id"`
	Timestamp   string `json:"timestamp"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
