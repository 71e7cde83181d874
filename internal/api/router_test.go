package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/ernie/pitwatch/internal/auth"
	"github.com/ernie/pitwatch/internal/boosters"
	"github.com/ernie/pitwatch/internal/bridge"
	"github.com/ernie/pitwatch/internal/domain"
	"github.com/ernie/pitwatch/internal/mc"
	"github.com/ernie/pitwatch/internal/playerdata"
	"github.com/ernie/pitwatch/internal/storage"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBoosters struct{ states boosters.States }

func (f fakeBoosters) States() boosters.States { return f.states }

type fakeLobby struct{ status domain.LobbyStatus }

func (f fakeLobby) Status() domain.LobbyStatus { return f.status }

type fakeHistory struct {
	players map[string]domain.PlayerHistory
	recent  []domain.PlayerHistory
	err     error
}

func (f *fakeHistory) GetPlayer(_ context.Context, name string, _ time.Time) (*domain.PlayerHistory, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.players[strings.ToLower(name)]
	if !ok {
		return nil, storage.ErrPlayerNotFound
	}
	return &p, nil
}

func (f *fakeHistory) RecentPlayers(_ context.Context, limit int) ([]domain.PlayerHistory, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.recent) {
		return f.recent[:limit], nil
	}
	return f.recent, nil
}

type fakeProfiles map[string]playerdata.Record

func (f fakeProfiles) Get(name string) (playerdata.Record, bool) {
	r, ok := f[playerdata.Normalize(name)]
	return r, ok
}

type fakeCommands struct {
	sent []string
	err  error
}

func (f *fakeCommands) ExecuteCommand(_ context.Context, cmd string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, cmd)
	return nil
}

type testEnv struct {
	router   *Router
	history  *fakeHistory
	commands *fakeCommands
	auth     *auth.Service
	clock    *clockwork.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	m := 2.5

	hash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)

	history := &fakeHistory{players: map[string]domain.PlayerHistory{
		"steve": {Name: "Steve", Level: 120, MessageCount: 4, Seen7d: 2, Seen30d: 3},
	}}
	commands := &fakeCommands{}
	authSvc := auth.NewService("test-secret", time.Hour, clock)

	deps := Deps{
		Boosters: fakeBoosters{states: boosters.States{
			Active:   []boosters.ActiveState{{Type: domain.BoosterGold, DisplayName: "Gold", Player: "Steve", Multiplier: &m}},
			Inactive: []string{"XP"},
		}},
		Lobby:    fakeLobby{status: domain.LobbyStatus{Lobby: "mega12A", Players: []string{"Alex", "Steve"}}},
		History:  history,
		Profiles: fakeProfiles{"alex": {Name: "Alex", Level: 50, Guild: "Pit"}},
		Commands: commands,
	}
	r := NewRouter(deps, authSvc, AdminAccount{Username: "admin", PasswordHash: hash}, clock)
	return &testEnv{router: r, history: history, commands: commands, auth: authSvc, clock: clock}
}

func (e *testEnv) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	token, err := e.auth.GenerateToken("admin", true)
	require.NoError(t, err)
	return token
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "OPTIONS", "/api/commands", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestGetBoosters(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/api/boosters", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	states := decode[boosters.States](t, rec)
	require.Len(t, states.Active, 1)
	assert.Equal(t, "Steve", states.Active[0].Player)
	assert.Equal(t, 2.5, *states.Active[0].Multiplier)
	assert.Equal(t, []string{"XP"}, states.Inactive)
}

func TestGetLobby(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/api/lobby", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	status := decode[domain.LobbyStatus](t, rec)
	assert.Equal(t, "mega12A", status.Lobby)
	assert.Equal(t, []string{"Alex", "Steve"}, status.Players)
}

func TestGetPlayers(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 30; i++ {
		env.history.recent = append(env.history.recent, domain.PlayerHistory{Name: fmt.Sprintf("p%d", i)})
	}

	rec := env.do(t, "GET", "/api/players", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.PlayerHistory](t, rec), 20)

	rec = env.do(t, "GET", "/api/players?limit=5", "", "")
	assert.Len(t, decode[[]domain.PlayerHistory](t, rec), 5)

	rec = env.do(t, "GET", "/api/players?limit=5000", "", "")
	assert.Len(t, decode[[]domain.PlayerHistory](t, rec), 20, "out of range limit falls back to the default")
}

func TestGetPlayers_StoreError(t *testing.T) {
	env := newTestEnv(t)
	env.history.err = errors.New("database is locked")
	rec := env.do(t, "GET", "/api/players", "", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetPlayer(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "GET", "/api/players/steve", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[PlayerResponse](t, rec)
	assert.Equal(t, "Steve", resp.Name)
	require.NotNil(t, resp.History)
	assert.Equal(t, 3, resp.History.Seen30d)
	assert.Nil(t, resp.Profile)

	// Profile only
	rec = env.do(t, "GET", "/api/players/ALEX", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[PlayerResponse](t, rec)
	assert.Equal(t, "Alex", resp.Name)
	assert.Nil(t, resp.History)
	require.NotNil(t, resp.Profile)
	assert.Equal(t, "Pit", resp.Profile.Guild)
}

func TestGetPlayer_Errors(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/api/players/Herobrine", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", "/api/players/not-a-name", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", "/api/players/"+strings.Repeat("a", 17), "", "").Code)

	env.history.err = errors.New("disk I/O error")
	assert.Equal(t, http.StatusInternalServerError, env.do(t, "GET", "/api/players/steve", "", "").Code)
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/auth/login", `{"username":"admin","password":"hunter2"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	login := decode[LoginResponse](t, rec)
	assert.True(t, login.IsAdmin)

	rec = env.do(t, "GET", "/api/auth/check", "", login.Token)
	check := decode[map[string]interface{}](t, rec)
	assert.Equal(t, true, check["authenticated"])
	assert.Equal(t, "admin", check["username"])

	assert.Equal(t, http.StatusUnauthorized, env.do(t, "POST", "/api/auth/login", `{"username":"admin","password":"nope"}`, "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/auth/login", `{"username":"admin"}`, "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/auth/login", `{`, "").Code)
}

func TestLogin_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	bad := `{"username":"admin","password":"guess"}`

	for i := 0; i < loginBurst; i++ {
		require.Equal(t, http.StatusUnauthorized, env.do(t, "POST", "/api/auth/login", bad, "").Code)
	}
	rec := env.do(t, "POST", "/api/auth/login", `{"username":"admin","password":"hunter2"}`, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Other clients have their own budget
	req := httptest.NewRequest("POST", "/api/auth/login", strings.NewReader(bad))
	req.RemoteAddr = "198.51.100.7:40000"
	other := httptest.NewRecorder()
	env.router.ServeHTTP(other, req)
	assert.Equal(t, http.StatusUnauthorized, other.Code)

	env.clock.Advance(loginInterval)
	assert.Equal(t, http.StatusOK, env.do(t, "POST", "/api/auth/login", `{"username":"admin","password":"hunter2"}`, "").Code)
}

func TestLogin_RateLimitIgnoresSpoofedForwarding(t *testing.T) {
	env := newTestEnv(t)

	limited := 0
	for i := 0; i < 50; i++ {
		req := httptest.NewRequest("POST", "/api/auth/login", strings.NewReader(`{"username":"admin","password":"guess"}`))
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		req.Header.Set("X-Real-IP", fmt.Sprintf("198.51.100.%d", i))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Equal(t, 50-loginBurst, limited)
}

func TestLogin_RateLimitPerForwardedClient(t *testing.T) {
	env := newTestEnv(t)
	env.router.SetTrustedProxies([]netip.Prefix{netip.MustParsePrefix("192.0.2.1/32")})

	login := func(client string) int {
		req := httptest.NewRequest("POST", "/api/auth/login", strings.NewReader(`{"username":"admin","password":"guess"}`))
		req.Header.Set("X-Forwarded-For", client)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		return rec.Code
	}
	for i := 0; i < loginBurst; i++ {
		require.Equal(t, http.StatusUnauthorized, login("203.0.113.1"))
	}
	assert.Equal(t, http.StatusTooManyRequests, login("203.0.113.1"))
	assert.Equal(t, http.StatusUnauthorized, login("203.0.113.2"), "each client behind the proxy has its own budget")
}

func TestAuthCheck_Anonymous(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/api/auth/check", "", "garbage")
	check := decode[map[string]interface{}](t, rec)
	assert.Equal(t, false, check["authenticated"])
}

func TestCommand(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken(t)

	rec := env.do(t, "POST", "/api/commands", `{"command":" /events "}`, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, CommandResponse{Status: "sent", Command: "/events"}, decode[CommandResponse](t, rec))
	assert.Equal(t, []string{"/events"}, env.commands.sent)
}

func TestCommand_RequiresAdmin(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusUnauthorized, env.do(t, "POST", "/api/commands", `{"command":"/events"}`, "").Code)

	viewer, err := env.auth.GenerateToken("viewer", false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, env.do(t, "POST", "/api/commands", `{"command":"/events"}`, viewer).Code)

	env.clock.Advance(2 * time.Hour)
	expired := env.adminToken(t)
	env.clock.Advance(2 * time.Hour)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, "POST", "/api/commands", `{"command":"/events"}`, expired).Code)
	assert.Empty(t, env.commands.sent)
}

func TestCommand_Errors(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken(t)

	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/commands", `{"command":""}`, token).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/commands", `{"command":"/a\n/b"}`, token).Code)

	env.commands.err = fmt.Errorf("%w: try again in 4s", bridge.ErrCooldown)
	assert.Equal(t, http.StatusTooManyRequests, env.do(t, "POST", "/api/commands", `{"command":"/events"}`, token).Code)

	env.commands.err = mc.ErrNotConnected
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, "POST", "/api/commands", `{"command":"/events"}`, token).Code)

	env.commands.err = errors.New("nats: timeout")
	assert.Equal(t, http.StatusBadGateway, env.do(t, "POST", "/api/commands", `{"command":"/events"}`, token).Code)
}

func TestCompression(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 100; i++ {
		env.history.recent = append(env.history.recent, domain.PlayerHistory{Name: fmt.Sprintf("player_%03d", i), Lobby: "mega12A"})
	}

	req := httptest.NewRequest("GET", "/api/players?limit=100", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

type feedEvent struct {
	ID   string          `json:"id"`
	Type string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

func dialFeed(t *testing.T, env *testEnv, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	env.router.StartFeed(ctx)

	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, path), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return env.router.Feed().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readFeed(t *testing.T, conn *websocket.Conn) feedEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev feedEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWebSocketFeed(t *testing.T) {
	env := newTestEnv(t)
	conn := dialFeed(t, env, "/ws")

	first := readFeed(t, conn)
	require.Equal(t, EventSnapshot, first.Type)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(first.Data, &snap))
	assert.Equal(t, "mega12A", snap.Lobby.Lobby)
	require.Len(t, snap.Boosters.Active, 1)
	assert.Equal(t, "Steve", snap.Boosters.Active[0].Player)

	n := domain.NewNotice(domain.NoticeMinorEvent, domain.ChannelEvents, &discordgo.MessageEmbed{Title: "2X REWARDS"}, env.clock.Now())
	env.router.PublishNotice(n)

	ev := readFeed(t, conn)
	assert.Equal(t, n.ID, ev.ID)
	assert.Equal(t, "minor_event", ev.Type)
	var notice domain.Notice
	require.NoError(t, json.Unmarshal(ev.Data, &notice))
	assert.Equal(t, "2X REWARDS", notice.Embed.Title)
}

func TestWebSocketFeed_ChannelFilter(t *testing.T) {
	env := newTestEnv(t)
	conn := dialFeed(t, env, "/ws?channels=lobby,guild")
	require.Equal(t, EventSnapshot, readFeed(t, conn).Type)

	now := env.clock.Now()
	env.router.PublishNotice(domain.NewNotice(domain.NoticeMajorEvent, domain.ChannelEvents, &discordgo.MessageEmbed{Title: "RAGE PIT"}, now))
	join := domain.NewNotice(domain.NoticePlayerJoin, domain.ChannelLobby, &discordgo.MessageEmbed{Title: "Alex joined"}, now)
	env.router.PublishNotice(join)

	ev := readFeed(t, conn)
	assert.Equal(t, join.ID, ev.ID, "events channel notice is filtered out")
	assert.Equal(t, "player_join", ev.Type)
}

func TestWebSocketFeed_UnknownChannel(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws?channels=lobby,trades"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestParseChannels(t *testing.T) {
	all, err := parseChannels("")
	require.NoError(t, err)
	assert.Nil(t, all)

	some, err := parseChannels(" Boosters , events")
	require.NoError(t, err)
	assert.Equal(t, map[domain.Channel]bool{domain.ChannelBoosters: true, domain.ChannelEvents: true}, some)

	_, err = parseChannels("boosters,")
	assert.Error(t, err)
}

func TestChatStream(t *testing.T) {
	env := newTestEnv(t)
	env.router.ChatStream().Append("MINOR EVENT! 2X REWARDS!")

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/chat"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/chat?token="+env.adminToken(t)), nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() ChatMessage {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg ChatMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	initial := read()
	assert.Equal(t, "initial", initial.Type)
	assert.Equal(t, []string{"MINOR EVENT! 2X REWARDS!"}, initial.Lines)

	env.router.ChatStream().Append("MAJOR EVENT! RAGE PIT ENDED!")
	next := read()
	assert.Equal(t, "lines", next.Type)
	assert.Equal(t, []string{"MAJOR EVENT! RAGE PIT ENDED!"}, next.Lines)
}

func TestChatStream_BacklogIsBounded(t *testing.T) {
	s := NewChatStream(3)
	for i := 0; i < 5; i++ {
		s.Append(fmt.Sprintf("line %d", i))
	}
	assert.Equal(t, []string{"line 2", "line 3", "line 4"}, s.Backlog())
}

func TestClientIP(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = "10.0.0.5:5555"
	req.Header.Set("X-Real-IP", "192.168.1.1")
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "10.0.0.5", env.router.clientIP(req), "headers from an untrusted peer are ignored")

	env.router.SetTrustedProxies([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")})
	assert.Equal(t, "203.0.113.9", env.router.clientIP(req))

	req.Header.Set("X-Forwarded-For", "1.2.3.4, 203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", env.router.clientIP(req), "the rightmost untrusted hop wins")

	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, "192.168.1.1", env.router.clientIP(req))

	req.RemoteAddr = "198.51.100.2:4444"
	assert.Equal(t, "198.51.100.2", env.router.clientIP(req))
}
