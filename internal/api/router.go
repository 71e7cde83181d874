package api

import (
	"context"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/ernie/pitwatch/internal/auth"
	"github.com/ernie/pitwatch/internal/boosters"
	"github.com/ernie/pitwatch/internal/domain"
	"github.com/ernie/pitwatch/internal/playerdata"
	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// BoosterStates reports the booster table
type BoosterStates interface {
	States() boosters.States
}

// Lobby reports the current lobby snapshot
type Lobby interface {
	Status() domain.LobbyStatus
}

// History reads the player history store
type History interface {
	GetPlayer(ctx context.Context, name string, now time.Time) (*domain.PlayerHistory, error)
	RecentPlayers(ctx context.Context, limit int) ([]domain.PlayerHistory, error)
}

// Profiles reads last-known player attributes
type Profiles interface {
	Get(name string) (playerdata.Record, bool)
}

// CommandRunner sends game commands under the command cooldown
type CommandRunner interface {
	ExecuteCommand(ctx context.Context, command string) error
}

// Deps are the components the API reads from
type Deps struct {
	Boosters BoosterStates
	Lobby    Lobby
	History  History
	Profiles Profiles
	Commands CommandRunner
}

// AdminAccount is the configured operator login
type AdminAccount struct {
	Username     string
	PasswordHash string
}

// Router holds the HTTP routes and dependencies
type Router struct {
	mux        *http.ServeMux
	compressed http.Handler
	deps       Deps
	feed       *FeedHub
	chatStream *ChatStream
	auth       *auth.Service
	admin      AdminAccount
	clock      clockwork.Clock

	trustedProxies []netip.Prefix
}

// NewRouter creates a new HTTP router
func NewRouter(deps Deps, authService *auth.Service, admin AdminAccount, clock clockwork.Clock) *Router {
	r := &Router{
		mux:        http.NewServeMux(),
		deps:       deps,
		feed:       NewFeedHub(),
		chatStream: NewChatStream(DefaultChatBacklog),
		auth:       authService,
		admin:      admin,
		clock:      clock,
	}

	// API routes
	r.mux.HandleFunc("GET /api/boosters", r.handleGetBoosters)
	r.mux.HandleFunc("GET /api/lobby", r.handleGetLobby)
	r.mux.HandleFunc("GET /api/players", r.handleGetPlayers)
	r.mux.HandleFunc("GET /api/players/{name}", r.handleGetPlayer)

	// Auth routes
	loginLimiter := newIPRateLimiter(rate.Every(loginInterval), loginBurst, clock)
	r.mux.HandleFunc("POST /api/auth/login", r.rateLimited(loginLimiter, r.handleLogin))
	r.mux.HandleFunc("GET /api/auth/check", r.handleAuthCheck)

	// Game commands (admin only)
	r.mux.HandleFunc("POST /api/commands", r.requireAdmin(r.handleCommand))

	// WebSocket endpoints
	r.mux.HandleFunc("GET /ws", r.handleWebSocket)
	r.mux.HandleFunc("GET /ws/chat", r.handleChatWebSocket)

	r.mux.Handle("GET /metrics", promhttp.Handler())
	r.mux.HandleFunc("GET /health", r.handleHealth)

	r.compressed = gzhttp.GzipHandler(r.mux)
	return r
}

// SetTrustedProxies sets the peers whose forwarding headers name the client.
// Requests from any other peer are keyed on their socket address.
func (r *Router) SetTrustedProxies(prefixes []netip.Prefix) {
	r.trustedProxies = prefixes
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// CORS headers for API
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if req.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	// WebSocket upgrades need the raw connection
	if strings.HasPrefix(req.URL.Path, "/ws") {
		r.mux.ServeHTTP(w, req)
		return
	}
	r.compressed.ServeHTTP(w, req)
}

// Feed returns the live notice feed
func (r *Router) Feed() *FeedHub {
	return r.feed
}

// ChatStream returns the raw chat feed for operators
func (r *Router) ChatStream() *ChatStream {
	return r.chatStream
}

// StartFeed runs the live notice feed until ctx is cancelled
func (r *Router) StartFeed(ctx context.Context) {
	go r.feed.Run(ctx)
}

// PublishNotice forwards a notice to live feed clients
func (r *Router) PublishNotice(n domain.Notice) {
	r.feed.Publish(n)
}
