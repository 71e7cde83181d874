// Package mc is the transport to the game client sidecar. The sidecar owns the
// Minecraft protocol connection and exchanges chat, title, tab-list and
// connection events with pitwatch over NATS subjects.
package mc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// ErrNotConnected is returned when sending before Connect succeeded
var ErrNotConnected = errors.New("game transport not connected")

// Subject suffixes under the configured prefix
const (
	SubjectChat    = "chat"
	SubjectTitle   = "title"
	SubjectJoin    = "join"
	SubjectLeave   = "leave"
	SubjectStatus  = "status"
	SubjectCommand = "command"
	SubjectPlayers = "players"
)

// Connection states reported by the sidecar
const (
	StateConnected    = "connected"
	StateError        = "error"
	StateKicked       = "kicked"
	StateDisconnected = "disconnected"
)

// Status is a connection state change of the game client
type Status struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// Lost reports whether the status means the game connection is gone
func (s Status) Lost() bool {
	switch s.State {
	case StateError, StateKicked, StateDisconnected:
		return true
	}
	return false
}

// Handlers receive inbound game events. Nil handlers are skipped.
type Handlers struct {
	Chat   func(ctx context.Context, line string)
	Title  func(ctx context.Context, text string)
	Join   func(ctx context.Context, name string)
	Leave  func(ctx context.Context, name string)
	Status func(ctx context.Context, status Status)
}

// Config holds the transport settings
type Config struct {
	URL            string
	SubjectPrefix  string
	RequestTimeout time.Duration
}

// Client is the NATS transport to the game client sidecar
type Client struct {
	cfg Config

	mu   sync.Mutex
	nc   *nats.Conn
	subs []*nats.Subscription
}

// NewClient creates an unconnected client
func NewClient(cfg Config) *Client {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "pitwatch"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &Client{cfg: cfg}
}

// Subject returns the full subject for suffix
func (c *Client) Subject(suffix string) string {
	return c.cfg.SubjectPrefix + "." + suffix
}

// Connect dials the NATS server
func (c *Client) Connect() error {
	nc, err := nats.Connect(c.cfg.URL,
		nats.Name("pitwatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to NATS at %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.nc = nc
	c.mu.Unlock()
	slog.Info("Connected to game transport", "url", nc.ConnectedUrl(), "prefix", c.cfg.SubjectPrefix)
	return nil
}

func (c *Client) conn() (*nats.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil || c.nc.IsClosed() {
		return nil, ErrNotConnected
	}
	return c.nc, nil
}

// SendChat sends a chat line or command through the game client
func (c *Client) SendChat(ctx context.Context, text string) error {
	nc, err := c.conn()
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("empty chat line")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := nc.Publish(c.Subject(SubjectCommand), []byte(text)); err != nil {
		return fmt.Errorf("publishing command: %w", err)
	}
	return nil
}

// Players asks the game client for the current tab list
func (c *Client) Players(ctx context.Context) ([]string, error) {
	nc, err := c.conn()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	msg, err := nc.RequestWithContext(ctx, c.Subject(SubjectPlayers), nil)
	if err != nil {
		return nil, fmt.Errorf("requesting player list: %w", err)
	}
	var names []string
	if err := json.Unmarshal(msg.Data, &names); err != nil {
		return nil, fmt.Errorf("decoding player list: %w", err)
	}
	return names, nil
}

// Subscribe routes inbound subjects to h. Messages on one subject are
// delivered in order on a single goroutine.
func (c *Client) Subscribe(ctx context.Context, h Handlers) error {
	nc, err := c.conn()
	if err != nil {
		return err
	}

	text := func(fn func(context.Context, string)) nats.MsgHandler {
		return func(msg *nats.Msg) {
			fn(ctx, string(msg.Data))
		}
	}

	routes := []struct {
		suffix  string
		enabled bool
		handler nats.MsgHandler
	}{
		{SubjectChat, h.Chat != nil, text(h.Chat)},
		{SubjectTitle, h.Title != nil, text(h.Title)},
		{SubjectJoin, h.Join != nil, text(h.Join)},
		{SubjectLeave, h.Leave != nil, text(h.Leave)},
		{SubjectStatus, h.Status != nil, func(msg *nats.Msg) {
			var st Status
			if err := json.Unmarshal(msg.Data, &st); err != nil {
				slog.Warn("Ignoring malformed status message", "data", string(msg.Data), "error", err)
				return
			}
			h.Status(ctx, st)
		}},
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range routes {
		if !r.enabled {
			continue
		}
		sub, err := nc.Subscribe(c.Subject(r.suffix), r.handler)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", c.Subject(r.suffix), err)
		}
		c.subs = append(c.subs, sub)
	}
	return nc.Flush()
}

// Close drains subscriptions and closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	nc := c.nc
	c.nc = nil
	c.subs = nil
	c.mu.Unlock()

	if nc == nil {
		return nil
	}
	return nc.Drain()
}
