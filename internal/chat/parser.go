package chat

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ernie/pitwatch/internal/domain"
)

// Kind names the classifier that matched a chat line
type Kind string

// Line kinds, in classifier priority order
const (
	KindLobbyChat        Kind = "lobby_chat"
	KindGuildChat        Kind = "guild_chat"
	KindGuildKill        Kind = "guild_kill"
	KindVerification     Kind = "verification"
	KindEventsResponse   Kind = "events_response"
	KindEventEnded       Kind = "event_ended"
	KindBoosterActivated Kind = "booster_activated"
	KindBoosterExpired   Kind = "booster_expired"
	KindEventStarting    Kind = "event_starting"
	KindEventNow         Kind = "event_now"
	KindMinorEvent       Kind = "minor_event"
	KindPrestige         Kind = "prestige"
	KindLobbyChange      Kind = "lobby_change"
)

// EventCategory is major or minor
type EventCategory string

const (
	CategoryMajor EventCategory = "major"
	CategoryMinor EventCategory = "minor"
)

// ChatEvent is a classified chat line
type ChatEvent struct {
	Kind Kind
	Data interface{}
}

type LobbyChatData struct {
	Prestige  string // roman numeral, empty for prestige 0
	Level     int
	Rank      string
	Name      string
	Decorated bool
	Guild     string
	Message   string
}

type GuildChatData struct {
	Rank      string
	Name      string
	GuildRank string
	Message   string
}

type GuildKillData struct {
	Killer string
	Victim string
	Gold   int
}

type VerificationData struct {
	Name string
	Code string
}

type EventsResponseData struct {
	Category EventCategory
	Name     string
	In       string // e.g. "12m"
}

type EventEndedData struct {
	Category EventCategory
	Name     string
}

type BoosterActivatedData struct {
	Player string
	Type   string
}

type BoosterExpiredData struct {
	Player     string
	Type       string
	Multiplier *float64
}

type EventStartingData struct {
	Category EventCategory
	Name     string
	Minutes  int
}

type EventNowData struct {
	Category EventCategory
	Name     string
}

type MinorEventData struct {
	Name string
}

type PrestigeData struct {
	Player   string
	Prestige string
}

type LobbyChangeData struct {
	Lobby string
}

// Regular expressions for chat lines, after formatting codes are stripped
var (
	// [XII-120] [MVP+] Steve [GLD]: message
	lobbyChatRegex = regexp.MustCompile(`^\[(?:([IVXLCDM]+)-)?(\d{1,3})\] (?:\[([^\]]+)\] )?(✫ ?)?(\w{1,16})( ?✫)?(?: \[([A-Za-z0-9]{1,6})\])?: (.+)$`)
	// Guild > [MVP+] Steve [Officer]: message
	guildChatRegex = regexp.MustCompile(`^Guild > (?:\[([^\]]+)\] )?(\w{1,16})(?: \[([^\]]+)\])?: (.+)$`)
	// GUILD KILL! Steve killed Alex for 1,250g!
	guildKillRegex = regexp.MustCompile(`^GUILD KILL! (\w{1,16}) killed (\w{1,16}) for ([\d,]+)g!$`)
	// From [MVP+] Steve: 123456
	verificationRegex = regexp.MustCompile(`^From (?:\[[^\]]+\] )?(\w{1,16}): (\d{6})$`)
	// Next Major Event: RAGE PIT (in 12m)
	eventsResponseRegex = regexp.MustCompile(`^Next (Major|Minor) Event: (.+?) \(in ([^)]+)\)$`)
	// MAJOR EVENT! RAGE PIT ENDED!
	eventEndedRegex = regexp.MustCompile(`^(MAJOR|MINOR) EVENT! (.+?) ENDED!?$`)
	// WOAH! [5] Steve just activated a mining booster! GG!
	boosterActivatedRegex = regexp.MustCompile(`^WOAH! (?:\[[^\]]+\] )?(\w{1,16}) just activated an? (\w+) booster! GG!$`)
	// Steve's 2.4x mining boost expired!
	boosterExpiredRegex = regexp.MustCompile(`^(\w{1,16})'s (?:(\d+(?:\.\d+)?)x )?(\w+) boost(?:er)? expired!$`)
	// MAJOR EVENT! RAGE PIT starting in 3 minutes!
	eventStartingRegex = regexp.MustCompile(`^(MAJOR|MINOR) EVENT! (.+?) starting in (\d+) minutes?!$`)
	// MAJOR EVENT! RAGE PIT starting now!
	eventNowRegex = regexp.MustCompile(`^(MAJOR|MINOR) EVENT! (.+?) starting now!$`)
	// MINOR EVENT! 2X REWARDS!
	minorEventRegex = regexp.MustCompile(`^MINOR EVENT! (.+?)!?$`)
	// PRESTIGE! Steve unlocked prestige XII, gg!
	prestigeRegex = regexp.MustCompile(`^PRESTIGE! (\w{1,16}) unlocked prestige ([IVXLCDM]+), gg!$`)
	// Sending you to mini104B!
	sendingToRegex = regexp.MustCompile(`^Sending you to ([\w-]+)!?$`)
	// You are currently connected to server mini104B
	connectedToRegex = regexp.MustCompile(`^You are currently connected to server ([\w-]+)$`)

	// 2.4x, possibly surrounded by other title text
	titleMultiplierRegex = regexp.MustCompile(`(\d+(?:\.\d+)?)x\b`)
)

// classifier pairs a pattern with the extraction of its groups
type classifier struct {
	kind    Kind
	regex   *regexp.Regexp
	extract func(m []string) (interface{}, error)
}

// classifiers in priority order. Lobby chat must run first because a player
// message can contain any of the later announcements verbatim.
var classifiers = []classifier{
	{KindLobbyChat, lobbyChatRegex, extractLobbyChat},
	{KindGuildChat, guildChatRegex, func(m []string) (interface{}, error) {
		return GuildChatData{Rank: m[1], Name: m[2], GuildRank: m[3], Message: m[4]}, nil
	}},
	{KindGuildKill, guildKillRegex, func(m []string) (interface{}, error) {
		gold, err := strconv.Atoi(strings.ReplaceAll(m[3], ",", ""))
		if err != nil {
			return nil, fmt.Errorf("parsing gold %q: %w", m[3], err)
		}
		return GuildKillData{Killer: m[1], Victim: m[2], Gold: gold}, nil
	}},
	{KindVerification, verificationRegex, func(m []string) (interface{}, error) {
		return VerificationData{Name: m[1], Code: m[2]}, nil
	}},
	{KindEventsResponse, eventsResponseRegex, func(m []string) (interface{}, error) {
		return EventsResponseData{Category: parseCategory(m[1]), Name: m[2], In: m[3]}, nil
	}},
	{KindEventEnded, eventEndedRegex, func(m []string) (interface{}, error) {
		return EventEndedData{Category: parseCategory(m[1]), Name: m[2]}, nil
	}},
	{KindBoosterActivated, boosterActivatedRegex, func(m []string) (interface{}, error) {
		return BoosterActivatedData{Player: m[1], Type: m[2]}, nil
	}},
	{KindBoosterExpired, boosterExpiredRegex, extractBoosterExpired},
	{KindEventStarting, eventStartingRegex, func(m []string) (interface{}, error) {
		minutes, err := strconv.Atoi(m[3])
		if err != nil {
			return nil, fmt.Errorf("parsing lead time %q: %w", m[3], err)
		}
		return EventStartingData{Category: parseCategory(m[1]), Name: m[2], Minutes: minutes}, nil
	}},
	{KindEventNow, eventNowRegex, func(m []string) (interface{}, error) {
		return EventNowData{Category: parseCategory(m[1]), Name: m[2]}, nil
	}},
	{KindMinorEvent, minorEventRegex, func(m []string) (interface{}, error) {
		return MinorEventData{Name: m[1]}, nil
	}},
	{KindPrestige, prestigeRegex, func(m []string) (interface{}, error) {
		return PrestigeData{Player: m[1], Prestige: m[2]}, nil
	}},
	{KindLobbyChange, sendingToRegex, extractLobbyChange},
	{KindLobbyChange, connectedToRegex, extractLobbyChange},
}

// ParseLine classifies a chat line. It returns nil, nil when no classifier
// matches, and an error when a classifier matched but its groups were unusable.
func ParseLine(line string) (*ChatEvent, error) {
	line = domain.CleanMCText(line)
	if line == "" {
		return nil, nil
	}

	for _, c := range classifiers {
		m := c.regex.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		data, err := c.extract(m)
		if err != nil {
			return &ChatEvent{Kind: c.kind}, err
		}
		return &ChatEvent{Kind: c.kind, Data: data}, nil
	}
	return nil, nil
}

// ParseTitleMultiplier extracts a booster multiplier from title text
func ParseTitleMultiplier(text string) (float64, bool) {
	m := titleMultiplierRegex.FindStringSubmatch(domain.CleanMCText(text))
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func extractLobbyChat(m []string) (interface{}, error) {
	level, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, fmt.Errorf("parsing level %q: %w", m[2], err)
	}
	return LobbyChatData{
		Prestige:  m[1],
		Level:     level,
		Rank:      m[3],
		Name:      m[5],
		Decorated: m[4] != "" || m[6] != "",
		Guild:     m[7],
		Message:   m[8],
	}, nil
}

func extractBoosterExpired(m []string) (interface{}, error) {
	data := BoosterExpiredData{Player: m[1], Type: m[3]}
	if m[2] != "" {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return nil, fmt.Errorf("parsing multiplier %q: %w", m[2], err)
		}
		data.Multiplier = &v
	}
	return data, nil
}

func extractLobbyChange(m []string) (interface{}, error) {
	return LobbyChangeData{Lobby: m[1]}, nil
}

func parseCategory(s string) EventCategory {
	if strings.EqualFold(s, "major") {
		return CategoryMajor
	}
	return CategoryMinor
}
