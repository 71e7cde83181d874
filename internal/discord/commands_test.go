package discord

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/ernie/pitwatch/internal/boosters"
	"github.com/ernie/pitwatch/internal/bridge"
	"github.com/ernie/pitwatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStates struct {
	states boosters.States
}

func (f fakeStates) States() boosters.States { return f.states }

type fakeBridge struct {
	execErr  error
	executed []string
	codeErr  error
}

func (b *fakeBridge) ExecuteCommand(_ context.Context, command string) error {
	if b.execErr != nil {
		return b.execErr
	}
	b.executed = append(b.executed, command)
	return nil
}

func (b *fakeBridge) GenerateVerificationCode(userID string) (bridge.Code, error) {
	if b.codeErr != nil {
		return bridge.Code{}, b.codeErr
	}
	return bridge.Code{Code: "123456", DiscordUserID: userID, ExpiresAt: time.Unix(1700000300, 0)}, nil
}

type dmCall struct {
	userID, content string
}

func newTestHandlers(states boosters.States) (*commandHandlers, *fakeBridge, *[]dmCall) {
	fb := &fakeBridge{}
	var dms []dmCall
	h := &commandHandlers{
		boosterStates: fakeStates{states: states},
		bridge:        fb,
		dm: func(_ context.Context, userID, content string) error {
			dms = append(dms, dmCall{userID, content})
			return nil
		},
		channels:    testChannels,
		botUsername: "PitWatcher",
	}
	return h, fb, &dms
}

func ephemeral(resp *discordgo.InteractionResponse) bool {
	return resp.Data.Flags&discordgo.MessageFlagsEphemeral != 0
}

func TestBoostersCommand_WrongChannel(t *testing.T) {
	h, _, _ := newTestHandlers(boosters.States{})
	resp := h.boosters("C-elsewhere")
	assert.True(t, ephemeral(resp))
	assert.Contains(t, resp.Data.Content, "<#C-boost>")
	assert.Empty(t, resp.Data.Embeds)
}

func TestBoostersCommand_ShowsTable(t *testing.T) {
	m := 2.4
	h, _, _ := newTestHandlers(boosters.States{
		Active: []boosters.ActiveState{{
			Type:        domain.BoosterMining,
			DisplayName: "Mining",
			Player:      "Steve",
			Multiplier:  &m,
			ExpiresIn:   "<t:1700001800:R>",
		}},
		Inactive: []string{"XP", "Gold", "Fishing", "Farming", "Bounty"},
	})

	resp := h.boosters("C-boost")
	assert.False(t, ephemeral(resp))
	require.Len(t, resp.Data.Embeds, 1)
	embed := resp.Data.Embeds[0]
	require.Len(t, embed.Fields, 2)
	assert.Equal(t, "Mining (2.4x)", embed.Fields[0].Name)
	assert.Contains(t, embed.Fields[0].Value, "Steve")
	assert.Contains(t, embed.Fields[0].Value, "<t:1700001800:R>")
	assert.Equal(t, "XP, Gold, Fishing, Farming, Bounty", embed.Fields[1].Value)
}

func TestBoostersEmbed_Empty(t *testing.T) {
	embed := BoostersEmbed(boosters.States{Inactive: []string{"XP"}})
	assert.Equal(t, "No boosters are active.", embed.Description)
	require.Len(t, embed.Fields, 1)
}

func TestBoostersEmbed_BountyHasNoMultiplier(t *testing.T) {
	embed := BoostersEmbed(boosters.States{Active: []boosters.ActiveState{{
		Type:        domain.BoosterBounty,
		DisplayName: "Bounty",
		Player:      "Alex",
	}}})
	require.Len(t, embed.Fields, 1)
	assert.Equal(t, "Bounty", embed.Fields[0].Name)
}

func TestEventsCommand(t *testing.T) {
	h, fb, _ := newTestHandlers(boosters.States{})

	resp := h.events(context.Background())
	assert.True(t, ephemeral(resp))
	assert.Contains(t, resp.Data.Content, "<#C-events>")
	assert.Equal(t, []string{"/events"}, fb.executed)
}

func TestEventsCommand_Cooldown(t *testing.T) {
	h, fb, _ := newTestHandlers(boosters.States{})
	fb.execErr = fmt.Errorf("%w: try again in 7s", bridge.ErrCooldown)

	resp := h.events(context.Background())
	assert.True(t, ephemeral(resp))
	assert.Equal(t, "Command on cooldown: try again in 7s.", resp.Data.Content)
}

func TestEventsCommand_GameUnavailable(t *testing.T) {
	h, fb, _ := newTestHandlers(boosters.States{})
	fb.execErr = errors.New("game transport not connected")

	resp := h.events(context.Background())
	assert.True(t, ephemeral(resp))
	assert.Contains(t, resp.Data.Content, "unavailable")
}

func TestVerifyCommand(t *testing.T) {
	h, _, dms := newTestHandlers(boosters.States{})

	resp := h.verify(context.Background(), "U1")
	assert.True(t, ephemeral(resp))
	assert.Contains(t, resp.Data.Content, "Check your DMs")

	require.Len(t, *dms, 1)
	dm := (*dms)[0]
	assert.Equal(t, "U1", dm.userID)
	assert.Contains(t, dm.content, "**123456**")
	assert.Contains(t, dm.content, "/msg PitWatcher 123456")
	assert.Contains(t, dm.content, "<t:1700000300:R>")
}

func TestVerifyCommand_DMFailure(t *testing.T) {
	h, _, _ := newTestHandlers(boosters.States{})
	h.dm = func(context.Context, string, string) error { return errors.New("cannot send messages to this user") }

	resp := h.verify(context.Background(), "U1")
	assert.True(t, ephemeral(resp))
	assert.Contains(t, resp.Data.Content, "couldn't send you a DM")
}

func TestVerifyCommand_CodeFailure(t *testing.T) {
	h, fb, dms := newTestHandlers(boosters.States{})
	fb.codeErr = errors.New("entropy")

	resp := h.verify(context.Background(), "U1")
	assert.True(t, ephemeral(resp))
	assert.Empty(t, *dms)
}

func TestInteractionUserID(t *testing.T) {
	guild := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Member: &discordgo.Member{User: &discordgo.User{ID: "G1"}},
	}}
	direct := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		User: &discordgo.User{ID: "D1"},
	}}
	assert.Equal(t, "G1", interactionUserID(guild))
	assert.Equal(t, "D1", interactionUserID(direct))
	assert.Equal(t, "", interactionUserID(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}))
}

func TestCommandDefinitions(t *testing.T) {
	var names []string
	for _, c := range getCommandDefinitions() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"boosters", "events", "verify"}, names)
}
