package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ernie/pitwatch/internal/boosters"
	"github.com/ernie/pitwatch/internal/domain"
	"github.com/ernie/pitwatch/internal/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second

	feedClientBuffer = 64
)

// EventSnapshot is the first event on the live feed, carrying current state
const EventSnapshot = "snapshot"

// Snapshot is the state a feed client starts from
type Snapshot struct {
	Boosters boosters.States    `json:"boosters"`
	Lobby    domain.LobbyStatus `json:"lobby"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// parseChannels reads the ?channels=boosters,lobby filter. Empty means all.
func parseChannels(raw string) (map[domain.Channel]bool, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	known := map[domain.Channel]bool{
		domain.ChannelBoosters: true,
		domain.ChannelEvents:   true,
		domain.ChannelGuild:    true,
		domain.ChannelLobby:    true,
	}
	channels := make(map[domain.Channel]bool)
	for _, part := range strings.Split(raw, ",") {
		ch := domain.Channel(strings.ToLower(strings.TrimSpace(part)))
		if !known[ch] {
			return nil, fmt.Errorf("unknown channel %q", part)
		}
		channels[ch] = true
	}
	return channels, nil
}

// feedItem is an encoded event tagged with the notice channel it came from
type feedItem struct {
	channel domain.Channel
	data    []byte
}

// feedClient is one live feed subscriber
type feedClient struct {
	hub      *FeedHub
	conn     *websocket.Conn
	send     chan []byte
	remote   string
	channels map[domain.Channel]bool // nil means every channel
}

func (c *feedClient) wants(ch domain.Channel) bool {
	return c.channels == nil || c.channels[ch]
}

// FeedHub fans notices out to live feed clients, each filtered to the
// channels it asked for. Clients that fall behind are disconnected.
type FeedHub struct {
	mu         sync.RWMutex
	clients    map[*feedClient]struct{}
	broadcast  chan feedItem
	register   chan *feedClient
	unregister chan *feedClient
	done       chan struct{}
}

// NewFeedHub creates an idle hub; Run starts it
func NewFeedHub() *FeedHub {
	return &FeedHub{
		clients:    make(map[*feedClient]struct{}),
		broadcast:  make(chan feedItem, 256),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		done:       make(chan struct{}),
	}
}

// Run delivers notices until ctx is cancelled, then closes every client
func (h *FeedHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Debug("Feed client connected", "remote", c.remote, "clients", n)

		case c := <-h.unregister:
			h.drop(c, "disconnected")

		case item := <-h.broadcast:
			h.mu.RLock()
			var slow []*feedClient
			for c := range h.clients {
				if !c.wants(item.channel) {
					continue
				}
				select {
				case c.send <- item.data:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range slow {
				h.drop(c, "too slow")
			}
		}
	}
}

func (h *FeedHub) drop(c *feedClient, why string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		metrics.WebSocketClients.Set(float64(n))
		slog.Debug("Feed client removed", "remote", c.remote, "reason", why, "clients", n)
	}
}

// Publish queues a notice for every client subscribed to its channel
func (h *FeedHub) Publish(n domain.Notice) {
	data, err := json.Marshal(domain.EventFromNotice(n))
	if err != nil {
		slog.Error("Failed to encode notice for feed", "kind", n.Kind, "error", err)
		return
	}
	select {
	case h.broadcast <- feedItem{channel: n.Channel, data: data}:
	default:
		slog.Warn("Feed backlog full, dropping notice", "kind", n.Kind)
	}
}

// ClientCount returns the number of connected clients
func (h *FeedHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWebSocket serves the live notice feed, starting with a snapshot
func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	channels, err := parseChannels(req.URL.Query().Get("channels"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snapshot, err := json.Marshal(domain.Event{
		ID:        uuid.NewString(),
		Type:      EventSnapshot,
		Timestamp: r.clock.Now(),
		Data: Snapshot{
			Boosters: r.deps.Boosters.States(),
			Lobby:    r.deps.Lobby.Status(),
		},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build snapshot")
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Warn("Feed upgrade failed", "error", err)
		return
	}

	c := &feedClient{
		hub:      r.feed,
		conn:     conn,
		send:     make(chan []byte, feedClientBuffer),
		remote:   r.clientIP(req),
		channels: channels,
	}
	c.send <- snapshot

	select {
	case r.feed.register <- c:
	case <-r.feed.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *feedClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	readUntilClosed(c.conn)
}

// writePump writes one event per frame and pings while idle
func (c *feedClient) writePump() {
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

// readUntilClosed discards inbound frames and keeps the read deadline fresh
// until the peer goes away
func readUntilClosed(conn *websocket.Conn) {
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				slog.Debug("WebSocket read error", "error", err)
			}
			return
		}
	}
}
