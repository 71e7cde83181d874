package domain

import (
	"regexp"
	"strings"
	"time"
)

// HistoryRetention is how long a player may go unseen before history forgets them
const HistoryRetention = 30 * 24 * time.Hour

// DecorationSymbol marks a player with a special status in chat
const DecorationSymbol = "✫"

// Sighting is a single observation of a player in chat or in the lobby
type Sighting struct {
	Name     string
	ClanTag  string
	Prestige string // roman numeral, empty for prestige 0
	Level    int
	Lobby    string
	At       time.Time
}

// PlayerHistory aggregates every sighting of a player within the retention window
type PlayerHistory struct {
	Name         string        `json:"name"`
	ClanTag      string        `json:"clan_tag,omitempty"`
	Prestige     string        `json:"prestige,omitempty"`
	Level        int           `json:"level,omitempty"`
	Lobby        string        `json:"lobby,omitempty"`
	FirstSeen    time.Time     `json:"first_seen"`
	LastSeen     time.Time     `json:"last_seen"`
	MessageCount int64         `json:"message_count"`
	TimeTogether time.Duration `json:"time_together"`
	Sightings    []time.Time   `json:"sightings,omitempty"`
	Seen7d       int           `json:"seen_7d"`
	Seen30d      int           `json:"seen_30d"`
}

// LobbyStatus is a snapshot of the lobby the bot account is currently in
type LobbyStatus struct {
	Lobby         string    `json:"lobby"`
	Players       []string  `json:"players"`
	Since         time.Time `json:"since"`
	Transitioning bool      `json:"transitioning"`
}

// mcFormatCodeRegex matches Minecraft formatting codes like §a, §l, §r
var mcFormatCodeRegex = regexp.MustCompile(`§[0-9a-fk-orA-FK-OR]`)

// CleanMCText removes Minecraft formatting codes and surrounding whitespace
func CleanMCText(s string) string {
	return strings.TrimSpace(mcFormatCodeRegex.ReplaceAllString(s, ""))
}

// StripDecoration removes the special-status symbol from a name
func StripDecoration(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if !strings.Contains(name, DecorationSymbol) {
		return name, false
	}
	return strings.TrimSpace(strings.ReplaceAll(name, DecorationSymbol, "")), true
}
