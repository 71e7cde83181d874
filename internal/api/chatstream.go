package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultChatBacklog is how many recent chat lines a new subscriber receives
const DefaultChatBacklog = 200

// ChatMessage is the message format for chat streaming
type ChatMessage struct {
	Type  string   `json:"type"`            // "initial", "lines"
	Lines []string `json:"lines,omitempty"` // raw chat lines
}

// ChatStreamClient represents an operator subscribed to raw chat
type ChatStreamClient struct {
	conn   *websocket.Conn
	send   chan []byte
	stream *ChatStream
}

// ChatStream keeps a backlog of raw game chat and streams new lines to
// subscribed operators
type ChatStream struct {
	mu      sync.RWMutex
	backlog []string
	size    int
	clients map[*ChatStreamClient]bool
}

// NewChatStream creates a stream keeping the last size lines
func NewChatStream(size int) *ChatStream {
	if size <= 0 {
		size = DefaultChatBacklog
	}
	return &ChatStream{
		size:    size,
		clients: make(map[*ChatStreamClient]bool),
	}
}

// Append records a chat line and forwards it to subscribers
func (s *ChatStream) Append(line string) {
	data, _ := json.Marshal(ChatMessage{Type: "lines", Lines: []string{line}})

	s.mu.Lock()
	defer s.mu.Unlock()

	s.backlog = append(s.backlog, line)
	if len(s.backlog) > s.size {
		s.backlog = s.backlog[len(s.backlog)-s.size:]
	}
	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client buffer full, will be cleaned up
		}
	}
}

// Backlog returns a copy of the buffered lines, oldest first
func (s *ChatStream) Backlog() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.backlog...)
}

// subscribe registers client and returns the backlog at that instant
func (s *ChatStream) subscribe(client *ChatStreamClient) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client] = true
	slog.Debug("Chat stream client subscribed", "clients", len(s.clients))
	return append([]string(nil), s.backlog...)
}

// unsubscribe removes a client from chat streaming
func (s *ChatStream) unsubscribe(client *ChatStreamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		close(client.send)
		slog.Debug("Chat stream client unsubscribed", "clients", len(s.clients))
	}
}

// handleChatWebSocket streams raw game chat to an authenticated operator
func (r *Router) handleChatWebSocket(w http.ResponseWriter, req *http.Request) {
	// Validate auth from query parameter (WebSocket can't send headers on upgrade)
	token := req.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusUnauthorized, "token required")
		return
	}

	claims, err := r.auth.ValidateToken(token)
	if err != nil || !claims.IsAdmin {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Warn("Chat WebSocket upgrade failed", "error", err)
		return
	}

	client := &ChatStreamClient{
		conn:   conn,
		send:   make(chan []byte, 256),
		stream: r.chatStream,
	}

	initial := r.chatStream.subscribe(client)
	data, _ := json.Marshal(ChatMessage{Type: "initial", Lines: initial})
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		r.chatStream.unsubscribe(client)
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads messages from the WebSocket (handles close)
func (c *ChatStreamClient) readPump() {
	defer func() {
		c.stream.unsubscribe(c)
		c.conn.Close()
	}()
	readUntilClosed(c.conn)
}

// writePump sends messages to the WebSocket
func (c *ChatStreamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
