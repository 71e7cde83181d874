package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Chat Metrics
var (
	// ChatLinesTotal tracks handled chat lines by classifier
	ChatLinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitwatch_chat_lines_total",
			Help: "Chat lines handled by classifier (unmatched for dropped lines)",
		},
		[]string{"kind"},
	)

	// ChatHandlerFailures tracks chat handler errors and recovered panics
	ChatHandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitwatch_chat_handler_failures_total",
			Help: "Chat handler failures by classifier",
		},
		[]string{"kind"},
	)

	// DuplicateEventsSuppressed tracks event notices dropped as duplicates
	DuplicateEventsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pitwatch_duplicate_events_suppressed_total",
			Help: "Event notices suppressed by de-duplication",
		},
	)
)

// Notice Metrics
var (
	// NoticesTotal tracks outbound notices by kind and outcome
	NoticesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitwatch_notices_total",
			Help: "Outbound notices by kind and outcome (queued/dropped/sent/failed)",
		},
		[]string{"kind", "outcome"},
	)
)

// State Metrics
var (
	// ActiveBoosters tracks the number of active boosters
	ActiveBoosters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pitwatch_active_boosters",
			Help: "Number of active boosters",
		},
	)

	// LobbyPlayers tracks the number of tracked players in the current lobby
	LobbyPlayers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pitwatch_lobby_players",
			Help: "Tracked players in the current lobby",
		},
	)

	// VerificationsTotal tracks verification code redemptions by outcome
	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitwatch_verifications_total",
			Help: "Verification code redemptions by outcome (success/invalid)",
		},
		[]string{"outcome"},
	)

	// CommandsTotal tracks outbound game commands by outcome
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitwatch_game_commands_total",
			Help: "Outbound game commands by outcome (sent/cooldown/failed)",
		},
		[]string{"outcome"},
	)
)

// WebSocket Metrics
var (
	// WebSocketClients tracks connected event feed clients
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pitwatch_websocket_clients",
			Help: "Connected websocket event feed clients",
		},
	)
)
