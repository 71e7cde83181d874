package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ernie/pitwatch/internal/api"
	"github.com/ernie/pitwatch/internal/auth"
	"github.com/ernie/pitwatch/internal/boosters"
	"github.com/ernie/pitwatch/internal/bridge"
	"github.com/ernie/pitwatch/internal/chat"
	"github.com/ernie/pitwatch/internal/config"
	"github.com/ernie/pitwatch/internal/discord"
	"github.com/ernie/pitwatch/internal/lobby"
	"github.com/ernie/pitwatch/internal/logging"
	"github.com/ernie/pitwatch/internal/mc"
	"github.com/ernie/pitwatch/internal/playerdata"
	"github.com/ernie/pitwatch/internal/storage"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"
)

// Process exit codes seen by the supervisor
const (
	exitOK      = 0
	exitFailure = 1
	exitRestart = 75 // EX_TEMPFAIL: restart me, the attempt count is saved
)

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	attemptsFlag := fs.Int("attempts", -1, "reconnect attempts already used (default: read from the data dir)")
	fs.Parse(args)

	// Determine config path
	cfgPath := *configPath
	if cfgPath == "" {
		if _, err := os.Stat(defaultConfigPath); err != nil {
			fmt.Fprintf(os.Stderr, "No config file found at %s. Use --config to specify a config file.\n", defaultConfigPath)
			os.Exit(exitFailure)
		}
		cfgPath = defaultConfigPath
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(exitFailure)
	}
	logging.Init(cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "path", cfgPath, "error", err)
		os.Exit(exitFailure)
	}

	statePath := attemptsPath(cfg.Storage.DataDir)
	attempts := *attemptsFlag
	if attempts < 0 {
		attempts = readAttempts(statePath)
	}

	os.Exit(serve(cfg, statePath, attempts))
}

// serve runs the bridge until a signal, a server error or a fatal connection
// loss, and returns the process exit code
func serve(cfg *config.Config, statePath string, attempts int) int {
	clock := clockwork.NewRealClock()
	slog.Info("pitwatch starting", "version", version, "bot", cfg.Minecraft.BotUsername, "attempts", attempts)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		slog.Error("Failed to create data directory", "path", cfg.Storage.DataDir, "error", err)
		return exitFailure
	}

	if cfg.NATS.Embedded {
		ns, err := mc.StartEmbedded(cfg.NATS.EmbeddedHost, cfg.NATS.EmbeddedPort)
		if err != nil {
			slog.Error("Failed to start embedded NATS", "error", err)
			return exitFailure
		}
		defer ns.Shutdown()
		cfg.NATS.URL = ns.ClientURL()
		slog.Info("Embedded NATS server running", "url", cfg.NATS.URL)
	}

	// Persistence
	history, err := storage.New(cfg.Storage.HistoryDB)
	if err != nil {
		slog.Error("Failed to initialize history database", "error", err)
		return exitFailure
	}
	defer history.Close()
	slog.Info("History database initialized", "path", cfg.Storage.HistoryDB)

	tracker := boosters.NewTracker(cfg.Storage.BoosterFile, clock)
	if err := tracker.Load(); err != nil {
		slog.Warn("Failed to load boosters, starting empty", "path", cfg.Storage.BoosterFile, "error", err)
	}
	players := playerdata.NewStore(cfg.Storage.PlayerDataFile, clock)
	if err := players.Load(); err != nil {
		slog.Warn("Failed to load player data, starting empty", "path", cfg.Storage.PlayerDataFile, "error", err)
	}

	// Game transport
	game := mc.NewClient(mc.Config{
		URL:            cfg.NATS.URL,
		SubjectPrefix:  cfg.NATS.SubjectPrefix,
		RequestTimeout: cfg.NATS.RequestTimeout,
	})
	if err := game.Connect(); err != nil {
		slog.Error("Failed to connect game transport", "error", err)
		return exitFailure
	}
	defer game.Close()

	// Domain components
	br := bridge.New(bridge.Config{
		Cooldown:       cfg.Minecraft.CommandCooldown,
		VerifiedRole:   cfg.Discord.Roles.Verified,
		UnverifiedRole: cfg.Discord.Roles.Unverified,
	}, game, nil, clock)

	monitor := lobby.NewMonitor(lobby.Config{
		BotUsername:          cfg.Minecraft.BotUsername,
		TransitionDelay:      cfg.Minecraft.TransitionDelay,
		ScanInterval:         cfg.Minecraft.ScanInterval,
		KeepAliveInterval:    cfg.Minecraft.KeepAliveInterval,
		KeepAliveCommand:     cfg.Minecraft.KeepAliveCommand,
		DisableBotsCommand:   cfg.Minecraft.DisableBotsCommand,
		MaxReconnectAttempts: cfg.Minecraft.MaxReconnectAttempts,
		BaseReconnectDelay:   cfg.Minecraft.BaseReconnectDelay,
		InitialAttempts:      attempts,
	}, game, history, clock)

	dispatcher := chat.NewDispatcher(chat.Deps{
		Boosters: tracker,
		Players:  players,
		History:  history,
		Lobby:    monitor,
		Verifier: br,
	}, chat.Roles{
		BoosterPing: cfg.Discord.Roles.BoosterPing,
		EventPing:   cfg.Discord.Roles.EventPing,
	}, clock)

	// Discord
	bot, err := discord.New(discord.Config{
		Token:       cfg.Discord.Token,
		GuildID:     cfg.Discord.GuildID,
		Channels:    cfg.Discord.Channels.Map(),
		BotUsername: cfg.Minecraft.BotUsername,
	}, tracker, br)
	if err != nil {
		slog.Error("Failed to create Discord bot", "error", err)
		return exitFailure
	}
	br.SetMembers(bot)
	if err := bot.Start(); err != nil {
		slog.Error("Failed to start Discord bot", "error", err)
		return exitFailure
	}
	defer bot.Stop()

	// HTTP API
	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration, clock)
	router := api.NewRouter(api.Deps{
		Boosters: tracker,
		Lobby:    monitor,
		History:  history,
		Profiles: players,
		Commands: br,
	}, authService, api.AdminAccount{
		Username:     cfg.Auth.AdminUsername,
		PasswordHash: cfg.Auth.AdminPasswordHash,
	}, clock)
	if cfg.Auth.AdminPasswordHash == "" {
		slog.Warn("No admin password hash configured, API login is disabled")
	}
	proxies, err := cfg.Server.TrustedProxyPrefixes()
	if err != nil {
		slog.Error("Invalid trusted proxies", "error", err)
		return exitFailure
	}
	router.SetTrustedProxies(proxies)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router.StartFeed(ctx)

	// Background loops
	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			slog.Debug("Background loop stopped", "loop", name)
		}()
	}
	run("boosters", tracker.Run)
	run("playerdata", players.Run)
	run("dispatcher", dispatcher.Run)
	run("bridge", br.Run)
	run("lobby", monitor.Run)
	run("cleanup", func(ctx context.Context) { history.RunCleanup(ctx, clock) })
	run("relay", func(ctx context.Context) {
		bot.Relay().Run(ctx, router.PublishNotice, dispatcher.Notices(), monitor.Notices())
	})

	// Inbound game events
	handleChat := func(ctx context.Context, line string) {
		router.ChatStream().Append(line)
		dispatcher.Handle(ctx, line)
	}
	handleStatus := func(ctx context.Context, st mc.Status) {
		switch {
		case st.Lost():
			reason := st.State
			if st.Reason != "" {
				reason += ": " + st.Reason
			}
			monitor.HandleDisconnect(reason)
		case st.State == mc.StateConnected:
			slog.Info("Game client connected")
			if err := clearAttempts(statePath); err != nil {
				slog.Warn("Failed to clear reconnect state", "path", statePath, "error", err)
			}
			if cfg.Minecraft.KeepAliveCommand != "" {
				if err := game.SendChat(ctx, cfg.Minecraft.KeepAliveCommand); err != nil {
					slog.Warn("Failed to request current lobby", "error", err)
				}
			}
		}
	}
	handleTitle := func(_ context.Context, text string) {
		dispatcher.HandleTitle(text)
	}
	handlers := mc.Handlers{
		Chat:   handleChat,
		Title:  handleTitle,
		Join:   monitor.HandlePlayerJoin,
		Leave:  monitor.HandlePlayerLeave,
		Status: handleStatus,
	}
	if cfg.Minecraft.ClientLog != "" {
		handlers.Chat = nil
		tailer := mc.NewLogTailer(cfg.Minecraft.ClientLog, clock)
		if backlog, err := tailer.LastChat(api.DefaultChatBacklog); err != nil {
			slog.Warn("Failed to read chat backlog from client log", "error", err)
		} else {
			for _, line := range backlog {
				router.ChatStream().Append(line)
			}
		}
		run("client-log", func(ctx context.Context) {
			if err := tailer.Run(ctx, handleChat); err != nil {
				slog.Error("Client log tailer stopped", "error", err)
			}
		})
	}
	if err := game.Subscribe(ctx, handlers); err != nil {
		slog.Error("Failed to subscribe to game events", "error", err)
		cancel()
		wg.Wait()
		return exitFailure
	}

	// Start HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	code := exitOK
	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	case err := <-serverErr:
		slog.Error("HTTP server error", "error", err)
		code = exitFailure
	case err := <-monitor.Fatal():
		code = exitCodeFor(err)
		if code == exitRestart {
			if werr := writeAttempts(statePath, monitor.Attempts()); werr != nil {
				slog.Error("Failed to save reconnect state", "path", statePath, "error", werr)
			}
		} else if cerr := clearAttempts(statePath); cerr != nil {
			slog.Warn("Failed to clear reconnect state", "path", statePath, "error", cerr)
		}
		slog.Error("Game connection lost, exiting", "error", err, "exit_code", code)
	}

	// Sequential shutdown
	slog.Info("Shutting down HTTP server")
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		slog.Warn("HTTP server shutdown error", "error", err)
	}

	slog.Info("Stopping background loops")
	cancel()
	wg.Wait()

	slog.Info("Shutdown complete")
	return code
}

// exitCodeFor maps a fatal monitor error to the exit code: an exhausted
// retry budget is a failure, anything else asks for a restart
func exitCodeFor(err error) int {
	if errors.Is(err, lobby.ErrRetryBudgetExhausted) {
		return exitFailure
	}
	return exitRestart
}
