// Package lobby tracks who shares the current lobby with the bot account and
// decides when a lost game connection should restart the process.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/ernie/pitwatch/internal/domain"
	"github.com/ernie/pitwatch/internal/metrics"
	"github.com/ernie/pitwatch/internal/timefmt"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrRetryBudgetExhausted means the connection was lost more often than allowed
	ErrRetryBudgetExhausted = errors.New("reconnect attempts exhausted")
	// ErrRestartRequested asks the supervisor to restart the process after a backoff
	ErrRestartRequested = errors.New("restart requested after connection loss")
)

const (
	StatusDebounce   = 5 * time.Second
	MaxReconnectWait = 60 * time.Second
)

// State is the lobby session state
type State int

const (
	StateIdle State = iota
	StateTransitioning
	StateSteady
)

func (s State) String() string {
	switch s {
	case StateTransitioning:
		return "transitioning"
	case StateSteady:
		return "steady"
	default:
		return "idle"
	}
}

// Game is the part of the game connection the monitor drives
type Game interface {
	SendChat(ctx context.Context, text string) error
	Players(ctx context.Context) ([]string, error)
}

// History records sightings and shared lobby time
type History interface {
	RecordSighting(ctx context.Context, sg domain.Sighting) error
	AddTimeTogether(ctx context.Context, name string, d time.Duration) error
}

// Config holds the monitor settings
type Config struct {
	BotUsername          string
	TransitionDelay      time.Duration
	ScanInterval         time.Duration
	KeepAliveInterval    time.Duration
	KeepAliveCommand     string
	DisableBotsCommand   string
	MaxReconnectAttempts int
	BaseReconnectDelay   time.Duration
	// InitialAttempts carries the attempt count across supervised restarts
	InitialAttempts int
}

type trackedPlayer struct {
	name     string
	joinedAt time.Time
}

// Monitor tracks lobby membership
type Monitor struct {
	cfg     Config
	game    Game
	history History
	clock   clockwork.Clock
	notices chan domain.Notice
	fatal   chan error

	mu               sync.Mutex
	state            State
	lobby            string
	since            time.Time
	generation       int
	players          map[string]trackedPlayer // keyed by lowercase name
	botsDisabled     bool
	lastStatus       time.Time
	refreshScheduled bool
	attempts         int
	restarting       bool
}

// NewMonitor creates a lobby monitor
func NewMonitor(cfg Config, game Game, history History, clock clockwork.Clock) *Monitor {
	return &Monitor{
		cfg:      cfg,
		game:     game,
		history:  history,
		clock:    clock,
		notices:  make(chan domain.Notice, 100),
		fatal:    make(chan error, 1),
		players:  make(map[string]trackedPlayer),
		attempts: cfg.InitialAttempts,
	}
}

// Notices returns the channel of outbound lobby notices
func (m *Monitor) Notices() <-chan domain.Notice {
	return m.notices
}

// Fatal delivers at most one connection-fatal error. The receiver is expected
// to exit so an external supervisor can restart the process.
func (m *Monitor) Fatal() <-chan error {
	return m.fatal
}

// Lobby returns the current lobby name
func (m *Monitor) Lobby() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lobby
}

// State returns the session state
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Contains reports whether name is tracked in the current lobby
func (m *Monitor) Contains(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.players[playerKey(name)]
	return ok
}

// Players returns the tracked players, sorted
func (m *Monitor) Players() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playerNamesLocked()
}

// Status returns a snapshot of the lobby
func (m *Monitor) Status() domain.LobbyStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.LobbyStatus{
		Lobby:         m.lobby,
		Players:       m.playerNamesLocked(),
		Since:         m.since,
		Transitioning: m.state == StateTransitioning,
	}
}

func (m *Monitor) playerNamesLocked() []string {
	names := make([]string, 0, len(m.players))
	for _, p := range m.players {
		names = append(names, p.name)
	}
	sort.Strings(names)
	return names
}

// HandleNewLobby starts a session in lobby name. Individual join and leave
// notices are suppressed until the baseline scan completes.
func (m *Monitor) HandleNewLobby(ctx context.Context, name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	now := m.clock.Now()

	m.mu.Lock()
	if name == m.lobby {
		m.mu.Unlock()
		return
	}
	previous := m.lobby
	shared := m.drainTimeLocked(now)
	m.players = make(map[string]trackedPlayer)
	m.lobby = name
	m.since = now
	m.state = StateTransitioning
	m.generation++
	gen := m.generation
	disable := !m.botsDisabled && m.cfg.DisableBotsCommand != ""
	m.botsDisabled = true
	m.mu.Unlock()

	metrics.LobbyPlayers.Set(0)
	slog.Info("Lobby changed", "from", previous, "to", name)
	m.addTimeTogether(ctx, shared)

	if disable {
		if err := m.game.SendChat(ctx, m.cfg.DisableBotsCommand); err != nil {
			slog.Warn("Failed to disable lobby bots", "command", m.cfg.DisableBotsCommand, "error", err)
		}
	}

	m.clock.AfterFunc(m.cfg.TransitionDelay, func() {
		m.completeTransition(ctx, gen)
	})
}

// completeTransition takes the baseline player list for session gen
func (m *Monitor) completeTransition(ctx context.Context, gen int) {
	names, err := m.game.Players(ctx)
	if err != nil {
		slog.Warn("Baseline lobby scan failed", "error", err)
	}
	now := m.clock.Now()

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	for _, name := range m.filter(names) {
		m.players[playerKey(name)] = trackedPlayer{name: name, joinedAt: now}
	}
	m.state = StateSteady
	m.lastStatus = now
	status := m.statusNoticeLocked(now, false)
	lobby := m.lobby
	tracked := m.playerNamesLocked()
	m.mu.Unlock()

	metrics.LobbyPlayers.Set(float64(len(tracked)))
	for _, name := range tracked {
		m.recordSighting(ctx, name, lobby, now)
	}
	m.emit(status)
}

// HandlePlayerJoin tracks a player who entered the lobby
func (m *Monitor) HandlePlayerJoin(ctx context.Context, name string) {
	if m.join(ctx, name) {
		m.RequestRefresh()
	}
}

// HandlePlayerLeave stops tracking a player who left the lobby
func (m *Monitor) HandlePlayerLeave(ctx context.Context, name string) {
	if m.leave(ctx, name) {
		m.RequestRefresh()
	}
}

func (m *Monitor) join(ctx context.Context, name string) bool {
	name = strings.TrimSpace(name)
	if IsBot(name, m.cfg.BotUsername) {
		return false
	}
	now := m.clock.Now()

	m.mu.Lock()
	if m.state != StateSteady {
		m.mu.Unlock()
		return false
	}
	key := playerKey(name)
	if _, ok := m.players[key]; ok {
		m.mu.Unlock()
		return false
	}
	m.players[key] = trackedPlayer{name: name, joinedAt: now}
	lobby := m.lobby
	count := len(m.players)
	m.mu.Unlock()

	metrics.LobbyPlayers.Set(float64(count))
	m.recordSighting(ctx, name, lobby, now)
	m.emit(m.playerNotice(domain.NoticePlayerJoin, fmt.Sprintf("**%s** joined %s", name, lobby), 0x55FF55, now))
	return true
}

func (m *Monitor) leave(ctx context.Context, name string) bool {
	name = strings.TrimSpace(name)
	now := m.clock.Now()

	m.mu.Lock()
	if m.state != StateSteady {
		m.mu.Unlock()
		return false
	}
	key := playerKey(name)
	p, ok := m.players[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.players, key)
	lobby := m.lobby
	count := len(m.players)
	m.mu.Unlock()

	metrics.LobbyPlayers.Set(float64(count))
	m.addTimeTogether(ctx, map[string]time.Duration{p.name: now.Sub(p.joinedAt)})
	m.emit(m.playerNotice(domain.NoticePlayerLeave, fmt.Sprintf("**%s** left %s", p.name, lobby), 0xFF5555, now))
	return true
}

// Scan diffs the tab list against the tracked players
func (m *Monitor) Scan(ctx context.Context) error {
	if m.State() != StateSteady {
		return nil
	}
	names, err := m.game.Players(ctx)
	if err != nil {
		return fmt.Errorf("listing players: %w", err)
	}

	current := make(map[string]string)
	for _, name := range m.filter(names) {
		current[playerKey(name)] = name
	}

	m.mu.Lock()
	var left []string
	for key, p := range m.players {
		if _, ok := current[key]; !ok {
			left = append(left, p.name)
		}
	}
	var joined []string
	for key, name := range current {
		if _, ok := m.players[key]; !ok {
			joined = append(joined, name)
		}
	}
	m.mu.Unlock()

	sort.Strings(left)
	sort.Strings(joined)
	changed := false
	for _, name := range left {
		changed = m.leave(ctx, name) || changed
	}
	for _, name := range joined {
		changed = m.join(ctx, name) || changed
	}
	if changed {
		m.RequestRefresh()
	}
	return nil
}

// RequestRefresh sends a lobby status notice, at most one per StatusDebounce
func (m *Monitor) RequestRefresh() {
	now := m.clock.Now()

	m.mu.Lock()
	if m.state != StateSteady || m.refreshScheduled {
		m.mu.Unlock()
		return
	}
	elapsed := now.Sub(m.lastStatus)
	if m.lastStatus.IsZero() || elapsed >= StatusDebounce {
		m.mu.Unlock()
		m.refresh()
		return
	}
	m.refreshScheduled = true
	gen := m.generation
	m.mu.Unlock()

	m.clock.AfterFunc(StatusDebounce-elapsed, func() {
		m.mu.Lock()
		m.refreshScheduled = false
		stale := gen != m.generation
		m.mu.Unlock()
		if !stale {
			m.refresh()
		}
	})
}

func (m *Monitor) refresh() {
	now := m.clock.Now()

	m.mu.Lock()
	if m.state != StateSteady {
		m.mu.Unlock()
		return
	}
	shared := m.drainTimeLocked(now)
	m.lastStatus = now
	status := m.statusNoticeLocked(now, true)
	m.mu.Unlock()

	m.addTimeTogether(context.Background(), shared)
	m.emit(status)
}

// drainTimeLocked returns the time shared with each tracked player since the
// last accounting and restarts their clocks
func (m *Monitor) drainTimeLocked(now time.Time) map[string]time.Duration {
	shared := make(map[string]time.Duration, len(m.players))
	for key, p := range m.players {
		shared[p.name] = now.Sub(p.joinedAt)
		p.joinedAt = now
		m.players[key] = p
	}
	return shared
}

func (m *Monitor) addTimeTogether(ctx context.Context, shared map[string]time.Duration) {
	if m.history == nil {
		return
	}
	for name, d := range shared {
		if err := m.history.AddTimeTogether(ctx, name, d); err != nil {
			slog.Warn("Failed to record time together", "player", name, "error", err)
		}
	}
}

func (m *Monitor) recordSighting(ctx context.Context, name, lobby string, at time.Time) {
	if m.history == nil {
		return
	}
	if err := m.history.RecordSighting(ctx, domain.Sighting{Name: name, Lobby: lobby, At: at}); err != nil {
		slog.Warn("Failed to record sighting", "player", name, "error", err)
	}
}

func (m *Monitor) statusNoticeLocked(now time.Time, replace bool) domain.Notice {
	names := m.playerNamesLocked()
	list := "Nobody else is here."
	if len(names) > 0 {
		list = strings.Join(names, ", ")
		if len(list) > 4000 {
			list = list[:4000] + "…"
		}
	}
	embed := &discordgo.MessageEmbed{
		Title:       "Lobby " + m.lobby,
		Description: list,
		Color:       0x5555FF,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Players", Value: fmt.Sprintf("%d", len(names)), Inline: true},
			{Name: "Since", Value: timefmt.Absolute(m.since), Inline: true},
		},
		Timestamp: now.UTC().Format(time.RFC3339),
	}
	n := domain.NewNotice(domain.NoticeLobbyStatus, domain.ChannelLobby, embed, now)
	n.Replace = replace
	return n
}

func (m *Monitor) playerNotice(kind domain.NoticeKind, text string, color int, now time.Time) domain.Notice {
	embed := &discordgo.MessageEmbed{
		Description: text,
		Color:       color,
		Timestamp:   now.UTC().Format(time.RFC3339),
	}
	return domain.NewNotice(kind, domain.ChannelLobby, embed, now)
}

func (m *Monitor) emit(n domain.Notice) {
	select {
	case m.notices <- n:
		metrics.NoticesTotal.WithLabelValues(string(n.Kind), "queued").Inc()
	default:
		metrics.NoticesTotal.WithLabelValues(string(n.Kind), "dropped").Inc()
		slog.Warn("Lobby notice queue full, dropping notice", "kind", n.Kind)
	}
}

func (m *Monitor) filter(names []string) []string {
	kept := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if !IsBot(name, m.cfg.BotUsername) {
			kept = append(kept, name)
		}
	}
	return kept
}

// HandleDisconnect applies the reconnect policy after an error, kick or
// disconnect. The outcome is delivered on Fatal: immediately once the attempt
// budget is spent, otherwise after an exponential backoff.
func (m *Monitor) HandleDisconnect(reason string) {
	m.mu.Lock()
	if m.restarting {
		m.mu.Unlock()
		slog.Info("Restart already pending, ignoring disconnect", "reason", reason)
		return
	}
	m.restarting = true
	m.attempts++
	attempts := m.attempts
	m.mu.Unlock()

	if attempts > m.cfg.MaxReconnectAttempts {
		slog.Error("Reconnect attempts exhausted", "attempts", attempts, "max", m.cfg.MaxReconnectAttempts, "reason", reason)
		m.deliverFatal(fmt.Errorf("%w after %d attempts: %s", ErrRetryBudgetExhausted, attempts, reason))
		return
	}

	delay := ReconnectDelay(m.cfg.BaseReconnectDelay, attempts)
	slog.Warn("Connection lost, restarting after backoff", "attempt", attempts, "delay", delay, "reason", reason)
	m.clock.AfterFunc(delay, func() {
		m.deliverFatal(fmt.Errorf("%w (attempt %d): %s", ErrRestartRequested, attempts, reason))
	})
}

// Attempts returns the number of connection losses seen, including those
// carried over from previous runs
func (m *Monitor) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Monitor) deliverFatal(err error) {
	select {
	case m.fatal <- err:
	default:
	}
}

// ReconnectDelay returns min(base * 2^attempts, MaxReconnectWait)
func ReconnectDelay(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= MaxReconnectWait || delay <= 0 {
			return MaxReconnectWait
		}
	}
	if delay > MaxReconnectWait {
		return MaxReconnectWait
	}
	return delay
}

// Run sends the keep-alive command and rescans the lobby until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) {
	keepAlive := m.clock.NewTicker(m.cfg.KeepAliveInterval)
	defer keepAlive.Stop()
	scan := m.clock.NewTicker(m.cfg.ScanInterval)
	defer scan.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			shared := m.drainTimeLocked(m.clock.Now())
			m.mu.Unlock()
			m.addTimeTogether(context.Background(), shared)
			return
		case <-keepAlive.Chan():
			if m.cfg.KeepAliveCommand == "" {
				continue
			}
			if err := m.game.SendChat(ctx, m.cfg.KeepAliveCommand); err != nil {
				slog.Warn("Keep-alive command failed", "error", err)
			}
		case <-scan.Chan():
			if err := m.Scan(ctx); err != nil {
				slog.Warn("Lobby scan failed", "error", err)
			}
		}
	}
}

func playerKey(name string) string {
	stripped, _ := domain.StripDecoration(name)
	return strings.ToLower(stripped)
}

// Bot and NPC name patterns
var (
	botPrefixRegex   = regexp.MustCompile(`^(Bot|NPC-)`)
	generatedIDRegex = regexp.MustCompile(`^[A-Z0-9]{10}$`)
	hexSuffixRegex   = regexp.MustCompile(`_[0-9a-f]{6,}$`)
)

const (
	systemPrefix = "CIT-"
	npcTag       = "[NPC]"
)

// IsBot reports whether a tab-list name belongs to the bot account itself, a
// server-side NPC or a generated placeholder rather than a real player
func IsBot(name, self string) bool {
	switch {
	case name == "":
		return true
	case self != "" && strings.EqualFold(name, self):
		return true
	case strings.Contains(name, "§"):
		return true
	case strings.HasPrefix(name, systemPrefix):
		return true
	case strings.Contains(name, npcTag):
		return true
	case botPrefixRegex.MatchString(name):
		return true
	case generatedIDRegex.MatchString(name):
		return true
	case hexSuffixRegex.MatchString(name):
		return true
	}
	return false
}
