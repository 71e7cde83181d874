// Package discord is the Discord side of pitwatch: it posts notices to the
// configured channels, answers slash commands and performs the member
// operations that complete account verification.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/ernie/pitwatch/internal/domain"
)

// Config holds the Discord settings
type Config struct {
	Token       string
	GuildID     string
	Channels    map[domain.Channel]string
	BotUsername string // the game account players /msg with their code
}

// Bot represents the Discord bot instance
type Bot struct {
	cfg      Config
	session  *discordgo.Session
	relay    *Relay
	handlers *commandHandlers
	commands []*discordgo.ApplicationCommand
}

// New creates a new Bot instance
func New(cfg Config, states BoosterStates, cmds CommandBridge) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages

	b := &Bot{
		cfg:     cfg,
		session: session,
		relay:   NewRelay(session, cfg.Channels),
	}
	b.handlers = &commandHandlers{
		boosterStates: states,
		bridge:        cmds,
		dm:            b.SendDM,
		channels:      cfg.Channels,
		botUsername:   cfg.BotUsername,
	}

	b.registerHandlers()
	return b, nil
}

// Relay returns the notice relay bound to this session
func (b *Bot) Relay() *Relay {
	return b.relay
}

// Start opens the Discord connection and registers slash commands
func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}
	slog.Info("Connected to Discord", "user", b.session.State.User.Username)

	if err := b.registerCommands(); err != nil {
		return fmt.Errorf("failed to register commands: %w", err)
	}
	return nil
}

// Stop closes the Discord session
func (b *Bot) Stop() error {
	if b.session != nil {
		return b.session.Close()
	}
	return nil
}

// registerHandlers sets up Discord event handlers
func (b *Bot) registerHandlers() {
	b.session.AddHandler(b.handleInteraction)
	b.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		slog.Info("Bot is ready", "guilds", len(r.Guilds))
	})
}

// AddRole grants roleID to a guild member
func (b *Bot) AddRole(ctx context.Context, userID, roleID string) error {
	if roleID == "" {
		return nil
	}
	return b.session.GuildMemberRoleAdd(b.cfg.GuildID, userID, roleID, discordgo.WithContext(ctx))
}

// RemoveRole revokes roleID from a guild member
func (b *Bot) RemoveRole(ctx context.Context, userID, roleID string) error {
	if roleID == "" {
		return nil
	}
	return b.session.GuildMemberRoleRemove(b.cfg.GuildID, userID, roleID, discordgo.WithContext(ctx))
}

// SetNickname sets a guild member's nickname
func (b *Bot) SetNickname(ctx context.Context, userID, nickname string) error {
	return b.session.GuildMemberNickname(b.cfg.GuildID, userID, nickname, discordgo.WithContext(ctx))
}

// SendDM sends a direct message to a user
func (b *Bot) SendDM(ctx context.Context, userID, content string) error {
	ch, err := b.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("opening DM channel: %w", err)
	}
	if _, err := b.session.ChannelMessageSend(ch.ID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("sending DM: %w", err)
	}
	return nil
}
