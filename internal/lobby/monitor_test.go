package lobby

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ernie/pitwatch/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGame struct {
	mu      sync.Mutex
	players []string
	sent    []string
	listErr error
}

func (g *fakeGame) SendChat(_ context.Context, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, text)
	return nil
}

func (g *fakeGame) Players(context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listErr != nil {
		return nil, g.listErr
	}
	return append([]string(nil), g.players...), nil
}

func (g *fakeGame) setPlayers(names ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.players = names
}

func (g *fakeGame) sentCommands() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.sent...)
}

type fakeHistory struct {
	mu        sync.Mutex
	sightings []domain.Sighting
	together  map[string]time.Duration
}

func (h *fakeHistory) RecordSighting(_ context.Context, sg domain.Sighting) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sightings = append(h.sightings, sg)
	return nil
}

func (h *fakeHistory) AddTimeTogether(_ context.Context, name string, d time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.together[name] += d
	return nil
}

func (h *fakeHistory) timeWith(name string) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.together[name]
}

var testConfig = Config{
	BotUsername:          "PitWatcher",
	TransitionDelay:      3 * time.Second,
	ScanInterval:         30 * time.Second,
	KeepAliveInterval:    10 * time.Minute,
	KeepAliveCommand:     "/whereami",
	DisableBotsCommand:   "/togglebots off",
	MaxReconnectAttempts: 3,
	BaseReconnectDelay:   5 * time.Second,
}

type testEnv struct {
	clock   *clockwork.FakeClock
	game    *fakeGame
	history *fakeHistory
	m       *Monitor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	env := &testEnv{
		clock:   clock,
		game:    &fakeGame{},
		history: &fakeHistory{together: map[string]time.Duration{}},
	}
	env.m = NewMonitor(testConfig, env.game, env.history, clock)
	return env
}

// enter moves the monitor into a lobby and waits for the baseline status
func (e *testEnv) enter(t *testing.T, lobby string, players ...string) domain.Notice {
	t.Helper()
	e.game.setPlayers(players...)
	e.m.HandleNewLobby(context.Background(), lobby)
	require.Equal(t, StateTransitioning, e.m.State())
	e.clock.Advance(testConfig.TransitionDelay)
	n := nextNotice(t, e.m)
	require.Equal(t, domain.NoticeLobbyStatus, n.Kind)
	return n
}

func nextNotice(t *testing.T, m *Monitor) domain.Notice {
	t.Helper()
	select {
	case n := <-m.Notices():
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("expected a notice")
		return domain.Notice{}
	}
}

func assertNoNotice(t *testing.T, m *Monitor) {
	t.Helper()
	select {
	case n := <-m.Notices():
		t.Fatalf("unexpected notice %s", n.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleNewLobby_BaselineScan(t *testing.T) {
	env := newTestEnv(t)

	status := env.enter(t, "mini104B", "Steve", "Alex", "PitWatcher", "BotJoe", "§aNPC")
	assert.False(t, status.Replace)
	assert.Equal(t, "Lobby mini104B", status.Embed.Title)
	assert.Equal(t, "Alex, Steve", status.Embed.Description)

	assert.Equal(t, StateSteady, env.m.State())
	assert.Equal(t, []string{"Alex", "Steve"}, env.m.Players())
	assert.True(t, env.m.Contains("steve"))
	assert.Len(t, env.history.sightings, 2)

	// Baseline players are not announced individually
	assertNoNotice(t, env.m)
}

func TestHandleNewLobby_SameLobbyIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.enter(t, "mini104B", "Steve")

	env.m.HandleNewLobby(context.Background(), "mini104B")
	assert.Equal(t, StateSteady, env.m.State())
	assert.Equal(t, []string{"Steve"}, env.m.Players())
}

func TestHandleNewLobby_DisablesBotsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.enter(t, "mini104B")
	env.enter(t, "mini104C")

	assert.Equal(t, []string{"/togglebots off"}, env.game.sentCommands())
}

func TestHandleNewLobby_SupersededTransition(t *testing.T) {
	env := newTestEnv(t)
	env.game.setPlayers("Steve")

	env.m.HandleNewLobby(context.Background(), "mini104B")
	env.clock.Advance(time.Second)
	env.m.HandleNewLobby(context.Background(), "mini104C")
	env.clock.Advance(testConfig.TransitionDelay)

	n := nextNotice(t, env.m)
	assert.Equal(t, "Lobby mini104C", n.Embed.Title)
	assertNoNotice(t, env.m)
	assert.Equal(t, "mini104C", env.m.Lobby())
}

func TestJoinLeave_SuppressedWhileTransitioning(t *testing.T) {
	env := newTestEnv(t)

	env.m.HandleNewLobby(context.Background(), "mini104B")
	env.m.HandlePlayerJoin(context.Background(), "Steve")
	env.m.HandlePlayerLeave(context.Background(), "Alex")
	assertNoNotice(t, env.m)
	assert.Empty(t, env.m.Players())
}

func TestJoinLeave_NoticesAndDebouncedStatus(t *testing.T) {
	env := newTestEnv(t)
	env.enter(t, "mini104B", "Steve")

	env.m.HandlePlayerJoin(context.Background(), "Alex")
	env.m.HandlePlayerJoin(context.Background(), "Notch")
	env.m.HandlePlayerJoin(context.Background(), "BotBob")
	env.m.HandlePlayerLeave(context.Background(), "Steve")

	assert.Equal(t, domain.NoticePlayerJoin, nextNotice(t, env.m).Kind)
	assert.Equal(t, domain.NoticePlayerJoin, nextNotice(t, env.m).Kind)
	leave := nextNotice(t, env.m)
	assert.Equal(t, domain.NoticePlayerLeave, leave.Kind)
	assert.Contains(t, leave.Embed.Description, "Steve")
	assertNoNotice(t, env.m)

	env.clock.Advance(StatusDebounce)
	status := nextNotice(t, env.m)
	assert.Equal(t, domain.NoticeLobbyStatus, status.Kind)
	assert.True(t, status.Replace)
	assert.Equal(t, "Alex, Notch", status.Embed.Description)
	assertNoNotice(t, env.m)
}

func TestRequestRefresh_ImmediateAfterQuietPeriod(t *testing.T) {
	env := newTestEnv(t)
	env.enter(t, "mini104B", "Steve")

	env.clock.Advance(time.Minute)
	env.m.RequestRefresh()
	n := nextNotice(t, env.m)
	assert.Equal(t, domain.NoticeLobbyStatus, n.Kind)

	env.m.RequestRefresh()
	assertNoNotice(t, env.m)
	env.clock.Advance(StatusDebounce)
	assert.Equal(t, domain.NoticeLobbyStatus, nextNotice(t, env.m).Kind)
}

func TestScan_Diff(t *testing.T) {
	env := newTestEnv(t)
	env.enter(t, "mini104B", "Steve", "Alex")

	env.game.setPlayers("Steve", "Notch", "CIT-1234")
	require.NoError(t, env.m.Scan(context.Background()))

	left := nextNotice(t, env.m)
	assert.Equal(t, domain.NoticePlayerLeave, left.Kind)
	assert.Contains(t, left.Embed.Description, "Alex")
	joined := nextNotice(t, env.m)
	assert.Equal(t, domain.NoticePlayerJoin, joined.Kind)
	assert.Contains(t, joined.Embed.Description, "Notch")

	assert.Equal(t, []string{"Notch", "Steve"}, env.m.Players())
}

func TestScan_ErrorLeavesStateAlone(t *testing.T) {
	env := newTestEnv(t)
	env.enter(t, "mini104B", "Steve")

	env.game.listErr = errors.New("not connected")
	assert.Error(t, env.m.Scan(context.Background()))
	assert.Equal(t, []string{"Steve"}, env.m.Players())
}

func TestTimeTogether(t *testing.T) {
	env := newTestEnv(t)
	env.enter(t, "mini104B", "Steve", "Alex")

	env.clock.Advance(10 * time.Minute)
	env.m.HandlePlayerLeave(context.Background(), "Steve")
	nextNotice(t, env.m)
	assert.Equal(t, 10*time.Minute, env.history.timeWith("Steve"))

	env.clock.Advance(5 * time.Minute)
	env.m.HandleNewLobby(context.Background(), "mini104C")
	assert.Equal(t, 15*time.Minute, env.history.timeWith("Alex"))
	assert.Equal(t, 10*time.Minute, env.history.timeWith("Steve"))
}

func TestIsBot(t *testing.T) {
	tests := []struct {
		name string
		bot  bool
	}{
		{"Steve", false},
		{"xX_Sniper_Xx", false},
		{"notch", false},
		{"Botanist", true},
		{"", true},
		{"PitWatcher", true},
		{"pitwatcher", true},
		{"§cSteve", true},
		{"CIT-4f2a", true},
		{"[NPC] Trader", true},
		{"BotJoe", true},
		{"NPC-Merchant", true},
		{"A1B2C3D4E5", true},
		{"ABCDEFGHIJ", true},
		{"ABCDEFGHI", false},
		{"Steve_a1b2c3", true},
		{"Steve_2012", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.bot, IsBot(tt.name, "PitWatcher"), tt.name)
	}
}

func TestReconnectDelay(t *testing.T) {
	base := 5 * time.Second
	assert.Equal(t, 5*time.Second, ReconnectDelay(base, 0))
	assert.Equal(t, 10*time.Second, ReconnectDelay(base, 1))
	assert.Equal(t, 20*time.Second, ReconnectDelay(base, 2))
	assert.Equal(t, 40*time.Second, ReconnectDelay(base, 3))
	assert.Equal(t, 60*time.Second, ReconnectDelay(base, 4))
	assert.Equal(t, 60*time.Second, ReconnectDelay(base, 100))
	assert.Equal(t, time.Duration(0), ReconnectDelay(0, 3))
}

func TestHandleDisconnect_RestartAfterBackoff(t *testing.T) {
	env := newTestEnv(t)

	env.m.HandleDisconnect("kicked: timed out")
	select {
	case err := <-env.m.Fatal():
		t.Fatalf("fatal delivered before backoff: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	env.clock.Advance(ReconnectDelay(testConfig.BaseReconnectDelay, 1))
	select {
	case err := <-env.m.Fatal():
		assert.ErrorIs(t, err, ErrRestartRequested)
		assert.Contains(t, err.Error(), "kicked: timed out")
	case <-time.After(2 * time.Second):
		t.Fatal("expected restart request")
	}

	// Further losses while a restart is pending are ignored
	env.m.HandleDisconnect("disconnected")
	assert.Equal(t, 1, env.m.Attempts())
}

func TestHandleDisconnect_BudgetExhausted(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := testConfig
	cfg.InitialAttempts = cfg.MaxReconnectAttempts
	m := NewMonitor(cfg, &fakeGame{}, nil, clock)

	m.HandleDisconnect("error: connection reset")
	select {
	case err := <-m.Fatal():
		assert.ErrorIs(t, err, ErrRetryBudgetExhausted)
	default:
		t.Fatal("budget exhaustion must be reported immediately")
	}
	assert.Equal(t, cfg.MaxReconnectAttempts+1, m.Attempts())
}

func TestRun_KeepAliveAndScan(t *testing.T) {
	env := newTestEnv(t)
	env.enter(t, "mini104B", "Steve")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.m.Run(ctx)
		close(done)
	}()
	require.NoError(t, env.clock.BlockUntilContext(ctx, 2))

	env.game.setPlayers("Steve", "Alex")
	env.clock.Advance(testConfig.ScanInterval)
	joined := nextNotice(t, env.m)
	assert.Equal(t, domain.NoticePlayerJoin, joined.Kind)

	env.clock.Advance(testConfig.KeepAliveInterval)
	require.Eventually(t, func() bool {
		for _, c := range env.game.sentCommands() {
			if c == "/whereami" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
