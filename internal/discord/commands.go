package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/ernie/pitwatch/internal/boosters"
	"github.com/ernie/pitwatch/internal/bridge"
	"github.com/ernie/pitwatch/internal/domain"
	"github.com/ernie/pitwatch/internal/timefmt"
)

const colorBoosters = 0x2ecc71

// BoosterStates reports the current booster table
type BoosterStates interface {
	States() boosters.States
}

// CommandBridge runs game commands and issues verification codes
type CommandBridge interface {
	ExecuteCommand(ctx context.Context, command string) error
	GenerateVerificationCode(discordUserID string) (bridge.Code, error)
}

// getCommandDefinitions returns all slash command definitions
func getCommandDefinitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "boosters",
			Description: "Show active and inactive boosters",
		},
		{
			Name:        "events",
			Description: "Ask the game for the upcoming event schedule",
		},
		{
			Name:        "verify",
			Description: "Link your Discord account to your Minecraft account",
		},
	}
}

// registerCommands registers all slash commands with Discord
func (b *Bot) registerCommands() error {
	for _, cmd := range getCommandDefinitions() {
		created, err := b.session.ApplicationCommandCreate(b.session.State.User.ID, b.cfg.GuildID, cmd)
		if err != nil {
			return fmt.Errorf("failed to create command %s: %w", cmd.Name, err)
		}
		b.commands = append(b.commands, created)
		slog.Debug("Registered command", "command", cmd.Name)
	}
	slog.Info("Registered slash commands", "count", len(b.commands))
	return nil
}

// handleInteraction processes slash command interactions
func (b *Bot) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	data := i.ApplicationCommandData()
	slog.Debug("Received command", "command", data.Name, "guild", i.GuildID, "user", interactionUserID(i))

	ctx := context.Background()
	var resp *discordgo.InteractionResponse
	switch data.Name {
	case "boosters":
		resp = b.handlers.boosters(i.ChannelID)
	case "events":
		resp = b.handlers.events(ctx)
	case "verify":
		resp = b.handlers.verify(ctx, interactionUserID(i))
	default:
		slog.Warn("Unknown command", "command", data.Name)
		return
	}

	if err := s.InteractionRespond(i.Interaction, resp); err != nil {
		slog.Error("Failed to respond to interaction", "command", data.Name, "error", err)
	}
}

// interactionUserID returns the invoking user for guild and DM interactions
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

// commandHandlers builds slash command responses
type commandHandlers struct {
	boosterStates BoosterStates
	bridge        CommandBridge
	dm            func(ctx context.Context, userID, content string) error
	channels      map[domain.Channel]string
	botUsername   string
}

func (h *commandHandlers) boosters(channelID string) *discordgo.InteractionResponse {
	want := h.channels[domain.ChannelBoosters]
	if want != "" && channelID != want {
		return reply(fmt.Sprintf("Use this command in <#%s>.", want), true)
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{BoostersEmbed(h.boosterStates.States())},
		},
	}
}

func (h *commandHandlers) events(ctx context.Context) *discordgo.InteractionResponse {
	err := h.bridge.ExecuteCommand(ctx, "/events")
	switch {
	case errors.Is(err, bridge.ErrCooldown):
		return reply(capitalize(err.Error())+".", true)
	case err != nil:
		slog.Error("Failed to request event schedule", "error", err)
		return reply("The game connection is unavailable right now.", true)
	}

	msg := "Requested the event schedule from the game."
	if ch := h.channels[domain.ChannelEvents]; ch != "" {
		msg = fmt.Sprintf("Requested the event schedule, it will be posted in <#%s>.", ch)
	}
	return reply(msg, true)
}

func (h *commandHandlers) verify(ctx context.Context, userID string) *discordgo.InteractionResponse {
	if userID == "" {
		return reply("Could not determine your Discord account.", true)
	}
	code, err := h.bridge.GenerateVerificationCode(userID)
	if err != nil {
		slog.Error("Failed to generate verification code", "user", userID, "error", err)
		return reply("Failed to generate a verification code, try again.", true)
	}

	dm := fmt.Sprintf("Your verification code is **%s**. It expires %s.\nIn game, run `/msg %s %s` to link your account.",
		code.Code, timefmt.Relative(code.ExpiresAt), h.botUsername, code.Code)
	if err := h.dm(ctx, userID, dm); err != nil {
		slog.Warn("Failed to DM verification code", "user", userID, "error", err)
		return reply("I couldn't send you a DM. Enable direct messages from server members and try again.", true)
	}
	return reply("Check your DMs for a verification code.", true)
}

// reply builds a plain message response
func reply(msg string, ephemeral bool) *discordgo.InteractionResponse {
	var flags discordgo.MessageFlags
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: msg,
			Flags:   flags,
		},
	}
}

// BoostersEmbed renders the booster table
func BoostersEmbed(states boosters.States) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "Boosters",
		Color: colorBoosters,
	}

	if len(states.Active) == 0 {
		embed.Description = "No boosters are active."
	}
	for _, a := range states.Active {
		value := fmt.Sprintf("by **%s**, expires %s", a.Player, a.ExpiresIn)
		name := a.DisplayName
		if a.Multiplier != nil {
			name = fmt.Sprintf("%s (%sx)", name, formatMultiplier(*a.Multiplier))
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  name,
			Value: value,
		})
	}
	if len(states.Inactive) > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  "Inactive",
			Value: strings.Join(states.Inactive, ", "),
		})
	}
	return embed
}

func formatMultiplier(m float64) string {
	return strings.TrimSuffix(fmt.Sprintf("%.1f", m), ".0")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
