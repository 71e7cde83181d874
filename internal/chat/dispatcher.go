// Package chat classifies game chat lines and turns them into state updates
// and outbound notices.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/ernie/pitwatch/internal/domain"
	"github.com/ernie/pitwatch/internal/metrics"
	"github.com/ernie/pitwatch/internal/playerdata"
	"github.com/ernie/pitwatch/internal/timefmt"
	"github.com/jonboulle/clockwork"
)

const (
	PendingBoosterTTL     = 1 * time.Second
	BoosterPingCooldown   = 5 * time.Minute
	EventsResponseWindow  = 500 * time.Millisecond
	DuplicateWindow       = 5 * time.Second
	DuplicateRetention    = 5 * time.Minute
	DuplicateSweepPeriod  = 60 * time.Second
	MajorEventLeadMinutes = 3
)

// Embed colors
const (
	colorBooster = 0x55FF55
	colorExpired = 0xAAAAAA
	colorMajor   = 0xFF5555
	colorMinor   = 0xFFAA00
	colorGuild   = 0x00AA00
	colorPlayer  = 0x55FFFF
)

// BoosterRegistry is the booster tracker as seen by the dispatcher
type BoosterRegistry interface {
	Add(typ, player string, multiplier float64) bool
	Remove(typ, player string) bool
}

// PlayerUpdater records last-known player attributes
type PlayerUpdater interface {
	Update(name string, attrs playerdata.Attributes) bool
}

// History records player sightings
type History interface {
	RecordSighting(ctx context.Context, sg domain.Sighting) error
	RecordMessage(ctx context.Context, sg domain.Sighting) error
}

// LobbyTracker is the lobby monitor as seen by the dispatcher
type LobbyTracker interface {
	HandleNewLobby(ctx context.Context, name string)
	Lobby() string
	Contains(name string) bool
	RequestRefresh()
}

// Verifier redeems verification codes whispered to the bot account
type Verifier interface {
	ConsumeVerificationCode(ctx context.Context, username, code string) error
}

// Roles are the Discord role IDs mentioned by notices. Empty disables the mention.
type Roles struct {
	BoosterPing string
	EventPing   string
}

// Deps bundles the collaborators of a Dispatcher. Nil members disable the
// features that use them.
type Deps struct {
	Boosters BoosterRegistry
	Players  PlayerUpdater
	History  History
	Lobby    LobbyTracker
	Verifier Verifier
}

// pendingBooster is an activation waiting for its title multiplier
type pendingBooster struct {
	player string
	typ    domain.BoosterType
	timer  clockwork.Timer
}

type eventSlot struct {
	category EventCategory
	name     string
	in       string
}

// pendingEvents assembles the two-line /events reply
type pendingEvents struct {
	created time.Time
	slots   []eventSlot
	timer   clockwork.Timer
}

func (p *pendingEvents) has(c EventCategory) bool {
	for _, s := range p.slots {
		if s.category == c {
			return true
		}
	}
	return false
}

// Dispatcher runs every chat line through the ordered classifiers
type Dispatcher struct {
	deps    Deps
	roles   Roles
	clock   clockwork.Clock
	notices chan domain.Notice

	mu              sync.Mutex
	pending         *pendingBooster
	lastBoosterPing time.Time
	events          *pendingEvents
	seen            map[string]time.Time
}

// NewDispatcher creates a dispatcher
func NewDispatcher(deps Deps, roles Roles, clock clockwork.Clock) *Dispatcher {
	return &Dispatcher{
		deps:    deps,
		roles:   roles,
		clock:   clock,
		notices: make(chan domain.Notice, 100),
		seen:    make(map[string]time.Time),
	}
}

// Notices returns the channel of outbound notices
func (d *Dispatcher) Notices() <-chan domain.Notice {
	return d.notices
}

// Handle classifies one chat line and runs its handler. Errors and panics are
// logged and the line is dropped.
func (d *Dispatcher) Handle(ctx context.Context, line string) {
	kind := Kind("unmatched")
	defer func() {
		if r := recover(); r != nil {
			metrics.ChatHandlerFailures.WithLabelValues(string(kind)).Inc()
			slog.Error("Chat handler panicked", "kind", kind, "line", line, "panic", r)
		}
	}()

	event, err := ParseLine(line)
	if event != nil {
		kind = event.Kind
	}
	metrics.ChatLinesTotal.WithLabelValues(string(kind)).Inc()
	if err == nil && event != nil {
		err = d.dispatch(ctx, event)
	}
	if err != nil {
		metrics.ChatHandlerFailures.WithLabelValues(string(kind)).Inc()
		slog.Error("Chat handler failed", "kind", kind, "line", line, "error", err)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, event *ChatEvent) error {
	switch data := event.Data.(type) {
	case LobbyChatData:
		return d.handleLobbyChat(ctx, data)
	case GuildChatData:
		d.handleGuildChat(data)
	case GuildKillData:
		d.handleGuildKill(data)
	case VerificationData:
		return d.handleVerification(ctx, data)
	case EventsResponseData:
		d.handleEventsResponse(data)
	case EventEndedData:
		d.handleEventEnded(data)
	case BoosterActivatedData:
		d.handleBoosterActivated(data)
	case BoosterExpiredData:
		d.handleBoosterExpired(data)
	case EventStartingData:
		d.handleEventStarting(data)
	case EventNowData:
		d.handleEventNow(data)
	case MinorEventData:
		d.handleMinorEvent(data)
	case PrestigeData:
		return d.handlePrestige(ctx, data)
	case LobbyChangeData:
		if d.deps.Lobby != nil {
			d.deps.Lobby.HandleNewLobby(ctx, data.Lobby)
		}
	default:
		return fmt.Errorf("no handler for %T", event.Data)
	}
	return nil
}

// HandleTitle resolves a pending booster activation with the multiplier shown
// in a title line
func (d *Dispatcher) HandleTitle(text string) {
	mult, ok := ParseTitleMultiplier(text)
	if !ok {
		return
	}

	d.mu.Lock()
	p := d.pending
	if p == nil {
		d.mu.Unlock()
		return
	}
	d.pending = nil
	p.timer.Stop()
	d.mu.Unlock()

	d.promoteBooster(p.player, p.typ, mult)
}

func (d *Dispatcher) handleBoosterActivated(data BoosterActivatedData) {
	bt, ok := domain.ParseBoosterType(data.Type)
	if !ok {
		slog.Warn("Ignoring activation of unknown booster type", "type", data.Type, "player", data.Player)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Last write wins: an unresolved activation is discarded, not promoted
	if d.pending != nil {
		d.pending.timer.Stop()
		slog.Warn("Discarding unresolved booster activation", "type", d.pending.typ, "player", d.pending.player)
	}
	p := &pendingBooster{player: data.Player, typ: bt}
	p.timer = d.clock.AfterFunc(PendingBoosterTTL, func() {
		d.resolvePendingTimeout(p)
	})
	d.pending = p
}

func (d *Dispatcher) resolvePendingTimeout(p *pendingBooster) {
	d.mu.Lock()
	if d.pending != p {
		d.mu.Unlock()
		return
	}
	d.pending = nil
	d.mu.Unlock()

	d.promoteBooster(p.player, p.typ, domain.DefaultBoosterMultiplier)
}

// PendingBooster reports whether an activation is waiting for its multiplier
func (d *Dispatcher) PendingBooster() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

func (d *Dispatcher) promoteBooster(player string, bt domain.BoosterType, mult float64) {
	if d.deps.Boosters != nil && !d.deps.Boosters.Add(string(bt), player, mult) {
		slog.Warn("Booster tracker rejected activation", "type", bt, "player", player, "multiplier", mult)
	}

	now := d.clock.Now()
	label := bt.DisplayName()
	if bt.HasMultiplier() {
		if !domain.ValidMultiplier(mult) {
			mult = domain.DefaultBoosterMultiplier
		}
		label = fmt.Sprintf("%gx %s", mult, label)
	}

	embed := &discordgo.MessageEmbed{
		Title:       "Booster Activated",
		Description: fmt.Sprintf("**%s** activated a **%s** booster!", player, label),
		Color:       colorBooster,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Expires", Value: timefmt.Relative(now.Add(domain.BoosterDuration)), Inline: true},
		},
		Timestamp: now.UTC().Format(time.RFC3339),
	}
	notice := domain.NewNotice(domain.NoticeBoosterActivated, domain.ChannelBoosters, embed, now)

	if bt.Pingable() && d.roles.BoosterPing != "" {
		d.mu.Lock()
		if d.lastBoosterPing.IsZero() || now.Sub(d.lastBoosterPing) >= BoosterPingCooldown {
			d.lastBoosterPing = now
			notice.Content = roleMention(d.roles.BoosterPing)
		}
		d.mu.Unlock()
	}

	d.emit(notice)
}

func (d *Dispatcher) handleBoosterExpired(data BoosterExpiredData) {
	bt, ok := domain.ParseBoosterType(data.Type)
	if !ok {
		slog.Warn("Ignoring expiry of unknown booster type", "type", data.Type, "player", data.Player)
		return
	}
	if d.deps.Boosters != nil && !d.deps.Boosters.Remove(string(bt), data.Player) {
		slog.Warn("Expired booster was not tracked", "type", bt, "player", data.Player)
	}

	label := bt.DisplayName()
	if data.Multiplier != nil && bt.HasMultiplier() {
		label = fmt.Sprintf("%gx %s", *data.Multiplier, label)
	}
	now := d.clock.Now()
	embed := &discordgo.MessageEmbed{
		Title:       "Booster Expired",
		Description: fmt.Sprintf("**%s**'s **%s** booster has expired.", data.Player, label),
		Color:       colorExpired,
		Timestamp:   now.UTC().Format(time.RFC3339),
	}
	d.emit(domain.NewNotice(domain.NoticeBoosterExpired, domain.ChannelBoosters, embed, now))
}

func (d *Dispatcher) handleEventsResponse(data EventsResponseData) {
	slot := eventSlot{category: data.Category, name: data.Name, in: data.In}
	now := d.clock.Now()

	d.mu.Lock()
	var flush *pendingEvents
	p := d.events
	if p != nil && (now.Sub(p.created) > EventsResponseWindow || p.has(slot.category)) {
		// The window closed before the timer ran, or this is a new reply
		flush = p
		p.timer.Stop()
		d.events = nil
		p = nil
	}
	if p == nil {
		p = &pendingEvents{created: now, slots: []eventSlot{slot}}
		p.timer = d.clock.AfterFunc(EventsResponseWindow, func() {
			d.flushEvents(p)
		})
		d.events = p
		d.mu.Unlock()
		if flush != nil {
			d.emitEvents(flush.slots, flush.created)
		}
		return
	}

	p.slots = append(p.slots, slot)
	p.timer.Stop()
	d.events = nil
	d.mu.Unlock()

	d.emitEvents(p.slots, p.created)
}

func (d *Dispatcher) flushEvents(p *pendingEvents) {
	d.mu.Lock()
	if d.events != p {
		d.mu.Unlock()
		return
	}
	d.events = nil
	d.mu.Unlock()

	d.emitEvents(p.slots, p.created)
}

func (d *Dispatcher) emitEvents(slots []eventSlot, at time.Time) {
	fields := make([]*discordgo.MessageEmbedField, 0, len(slots))
	for _, s := range slots {
		title := "Next Minor Event"
		if s.category == CategoryMajor {
			title = "Next Major Event"
		}
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  title,
			Value: fmt.Sprintf("**%s** in %s", s.name, s.in),
		})
	}
	embed := &discordgo.MessageEmbed{
		Title:     "Upcoming Events",
		Color:     colorMinor,
		Fields:    fields,
		Timestamp: at.UTC().Format(time.RFC3339),
	}
	d.emit(domain.NewNotice(domain.NoticeEventSchedule, domain.ChannelEvents, embed, at))
}

func (d *Dispatcher) handleEventEnded(data EventEndedData) {
	if !d.firstSighting(dedupKey(data.Category, data.Name, "ended")) {
		return
	}
	now := d.clock.Now()
	embed := &discordgo.MessageEmbed{
		Title:       categoryTitle(data.Category) + " Ended",
		Description: fmt.Sprintf("**%s** has ended.", data.Name),
		Color:       colorExpired,
		Timestamp:   now.UTC().Format(time.RFC3339),
	}
	d.emit(domain.NewNotice(domain.NoticeEventEnded, domain.ChannelEvents, embed, now))
}

func (d *Dispatcher) handleEventStarting(data EventStartingData) {
	// Only the major three-minute warning is announced
	if data.Category != CategoryMajor || data.Minutes != MajorEventLeadMinutes {
		return
	}
	if !d.firstSighting(dedupKey(data.Category, data.Name, "starting")) {
		return
	}
	now := d.clock.Now()
	startsAt := now.Add(time.Duration(data.Minutes) * time.Minute)
	embed := &discordgo.MessageEmbed{
		Title:       "Major Event",
		Description: fmt.Sprintf("**%s** starts %s!", data.Name, timefmt.Relative(startsAt)),
		Color:       colorMajor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Starts", Value: timefmt.Time(startsAt), Inline: true},
		},
		Timestamp: now.UTC().Format(time.RFC3339),
	}
	notice := domain.NewNotice(domain.NoticeMajorEvent, domain.ChannelEvents, embed, now)
	if d.roles.EventPing != "" {
		notice.Content = roleMention(d.roles.EventPing)
	}
	d.emit(notice)
}

func (d *Dispatcher) handleEventNow(data EventNowData) {
	if !d.firstSighting(dedupKey(data.Category, data.Name, "now")) {
		return
	}
	now := d.clock.Now()
	kind, color := domain.NoticeMinorEvent, colorMinor
	if data.Category == CategoryMajor {
		kind, color = domain.NoticeMajorEvent, colorMajor
	}
	embed := &discordgo.MessageEmbed{
		Title:       categoryTitle(data.Category),
		Description: fmt.Sprintf("**%s** is starting now!", data.Name),
		Color:       color,
		Timestamp:   now.UTC().Format(time.RFC3339),
	}
	d.emit(domain.NewNotice(kind, domain.ChannelEvents, embed, now))
}

func (d *Dispatcher) handleMinorEvent(data MinorEventData) {
	if !d.firstSighting(dedupKey(CategoryMinor, data.Name, "active")) {
		return
	}
	now := d.clock.Now()
	embed := &discordgo.MessageEmbed{
		Title:       "Minor Event",
		Description: fmt.Sprintf("**%s** is active!", data.Name),
		Color:       colorMinor,
		Timestamp:   now.UTC().Format(time.RFC3339),
	}
	d.emit(domain.NewNotice(domain.NoticeMinorEvent, domain.ChannelEvents, embed, now))
}

// firstSighting records key and reports whether it was not seen within the
// duplicate window
func (d *Dispatcher) firstSighting(key string) bool {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if at, ok := d.seen[key]; ok && now.Sub(at) < DuplicateWindow {
		metrics.DuplicateEventsSuppressed.Inc()
		slog.Debug("Suppressed duplicate event", "key", key)
		return false
	}
	d.seen[key] = now
	return true
}

// SweepDuplicates drops de-duplication entries older than the retention period
func (d *Dispatcher) SweepDuplicates() int {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for key, at := range d.seen {
		if now.Sub(at) > DuplicateRetention {
			delete(d.seen, key)
			removed++
		}
	}
	return removed
}

// Run sweeps de-duplication entries until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := d.clock.NewTicker(DuplicateSweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := d.SweepDuplicates(); n > 0 {
				slog.Debug("Swept event de-duplication entries", "count", n)
			}
		}
	}
}

func (d *Dispatcher) handleGuildChat(data GuildChatData) {
	now := d.clock.Now()
	author := data.Name
	if data.GuildRank != "" {
		author = fmt.Sprintf("%s [%s]", data.Name, data.GuildRank)
	}
	embed := &discordgo.MessageEmbed{
		Author:      &discordgo.MessageEmbedAuthor{Name: author},
		Description: data.Message,
		Color:       colorGuild,
		Timestamp:   now.UTC().Format(time.RFC3339),
	}
	d.emit(domain.NewNotice(domain.NoticeGuildChat, domain.ChannelGuild, embed, now))
}

func (d *Dispatcher) handleGuildKill(data GuildKillData) {
	now := d.clock.Now()
	embed := &discordgo.MessageEmbed{
		Title:       "Guild Kill",
		Description: fmt.Sprintf("**%s** killed **%s** for **%s**g", data.Killer, data.Victim, formatGold(data.Gold)),
		Color:       colorGuild,
		Timestamp:   now.UTC().Format(time.RFC3339),
	}
	d.emit(domain.NewNotice(domain.NoticeGuildKill, domain.ChannelGuild, embed, now))
}

func (d *Dispatcher) handleVerification(ctx context.Context, data VerificationData) error {
	if d.deps.Verifier == nil {
		return nil
	}
	if err := d.deps.Verifier.ConsumeVerificationCode(ctx, data.Name, data.Code); err != nil {
		slog.Warn("Verification failed", "player", data.Name, "error", err)
	}
	return nil
}

func (d *Dispatcher) handleLobbyChat(ctx context.Context, data LobbyChatData) error {
	name := data.Name
	if data.Decorated {
		name = name + " " + domain.DecorationSymbol
	}
	lobby := ""
	if d.deps.Lobby != nil {
		lobby = d.deps.Lobby.Lobby()
	}

	if d.deps.History != nil {
		err := d.deps.History.RecordMessage(ctx, domain.Sighting{
			Name:     data.Name,
			ClanTag:  data.Guild,
			Prestige: data.Prestige,
			Level:    data.Level,
			Lobby:    lobby,
			At:       d.clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("recording message from %s: %w", data.Name, err)
		}
	}

	d.updatePlayer(name, playerdata.Attributes{
		Prestige: data.Prestige,
		Level:    data.Level,
		Guild:    data.Guild,
		Rank:     data.Rank,
		Lobby:    lobby,
	})
	return nil
}

func (d *Dispatcher) handlePrestige(ctx context.Context, data PrestigeData) error {
	now := d.clock.Now()
	d.updatePlayer(data.Player, playerdata.Attributes{Prestige: data.Prestige})

	if d.deps.History != nil {
		if err := d.deps.History.RecordSighting(ctx, domain.Sighting{
			Name:     data.Player,
			Prestige: data.Prestige,
			At:       now,
		}); err != nil {
			slog.Warn("Failed to record prestige sighting", "player", data.Player, "error", err)
		}
	}

	embed := &discordgo.MessageEmbed{
		Title:       "Prestige!",
		Description: fmt.Sprintf("**%s** unlocked prestige **%s**!", data.Player, data.Prestige),
		Color:       colorPlayer,
		Timestamp:   now.UTC().Format(time.RFC3339),
	}
	d.emit(domain.NewNotice(domain.NoticePrestige, domain.ChannelLobby, embed, now))
	return nil
}

// updatePlayer stores attributes and refreshes the lobby status when a
// player in the current lobby changed
func (d *Dispatcher) updatePlayer(name string, attrs playerdata.Attributes) {
	if d.deps.Players == nil {
		return
	}
	if !d.deps.Players.Update(name, attrs) {
		return
	}
	if d.deps.Lobby != nil && d.deps.Lobby.Contains(playerdata.Normalize(name)) {
		d.deps.Lobby.RequestRefresh()
	}
}

// emit queues a notice, dropping it when the queue is full
func (d *Dispatcher) emit(n domain.Notice) {
	select {
	case d.notices <- n:
		metrics.NoticesTotal.WithLabelValues(string(n.Kind), "queued").Inc()
	default:
		metrics.NoticesTotal.WithLabelValues(string(n.Kind), "dropped").Inc()
		slog.Warn("Notice queue full, dropping notice", "kind", n.Kind)
	}
}

func dedupKey(c EventCategory, name, status string) string {
	return string(c) + "|" + strings.ToLower(strings.TrimSpace(name)) + "|" + status
}

func categoryTitle(c EventCategory) string {
	if c == CategoryMajor {
		return "Major Event"
	}
	return "Minor Event"
}

func roleMention(roleID string) string {
	return "<@&" + roleID + ">"
}

// formatGold renders 1250 as 1,250
func formatGold(n int) string {
	s := fmt.Sprintf("%d", n)
	if n < 0 {
		return s
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return b.String()
}
