package domain

import (
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
)

// NoticeKind classifies outbound notifications
type NoticeKind string

const (
	NoticeBoosterActivated NoticeKind = "booster_activated"
	NoticeBoosterExpired   NoticeKind = "booster_expired"
	NoticeMajorEvent       NoticeKind = "major_event"
	NoticeMinorEvent       NoticeKind = "minor_event"
	NoticeEventEnded       NoticeKind = "event_ended"
	NoticeEventSchedule    NoticeKind = "event_schedule"
	NoticeGuildChat        NoticeKind = "guild_chat"
	NoticeGuildKill        NoticeKind = "guild_kill"
	NoticePrestige         NoticeKind = "prestige"
	NoticePlayerJoin       NoticeKind = "player_join"
	NoticePlayerLeave      NoticeKind = "player_leave"
	NoticeLobbyStatus      NoticeKind = "lobby_status"
)

// Channel names a configured Discord destination
type Channel string

const (
	ChannelBoosters Channel = "boosters"
	ChannelEvents   Channel = "events"
	ChannelGuild    Channel = "guild"
	ChannelLobby    Channel = "lobby"
)

// Notice is an outbound notification bound for Discord
type Notice struct {
	ID        string                  `json:"id"`
	Kind      NoticeKind              `json:"kind"`
	Channel   Channel                 `json:"channel"`
	Content   string                  `json:"content,omitempty"` // role mentions go here
	Embed     *discordgo.MessageEmbed `json:"embed,omitempty"`
	Replace   bool                    `json:"replace,omitempty"` // edit the previous notice of this kind
	Timestamp time.Time               `json:"timestamp"`
}

// NewNotice creates a notice with a fresh ID
func NewNotice(kind NoticeKind, channel Channel, embed *discordgo.MessageEmbed, at time.Time) Notice {
	return Notice{
		ID:        uuid.NewString(),
		Kind:      kind,
		Channel:   channel,
		Embed:     embed,
		Timestamp: at,
	}
}

// Event represents a real-time event for WebSocket broadcast
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// EventFromNotice wraps a notice for the live feed
func EventFromNotice(n Notice) Event {
	return Event{
		ID:        n.ID,
		Type:      string(n.Kind),
		Timestamp: n.Timestamp,
		Data:      n,
	}
}
