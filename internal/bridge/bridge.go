// Package bridge sends commands to the game on behalf of Discord users and
// owns the verification code lifecycle linking Discord users to game accounts.
package bridge

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ernie/pitwatch/internal/metrics"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrCooldown is returned when a command is sent before the cooldown elapsed
	ErrCooldown = errors.New("command on cooldown")
	// ErrInvalidCode is returned for unknown or expired verification codes
	ErrInvalidCode = errors.New("invalid or expired verification code")
)

const (
	CodeTTL       = 5 * time.Minute
	SweepInterval = time.Minute

	maxCodeAttempts = 10
)

const invalidCodeMessage = "Invalid or expired code. Use /verify in Discord to get a new one."

// Game sends chat lines and commands through the game connection
type Game interface {
	SendChat(ctx context.Context, text string) error
}

// Members performs Discord member operations for verification
type Members interface {
	AddRole(ctx context.Context, userID, roleID string) error
	RemoveRole(ctx context.Context, userID, roleID string) error
	SetNickname(ctx context.Context, userID, nickname string) error
	SendDM(ctx context.Context, userID, content string) error
}

// Config holds the bridge settings
type Config struct {
	Cooldown       time.Duration
	VerifiedRole   string
	UnverifiedRole string
}

// Code is a pending verification code
type Code struct {
	Code          string    `json:"code"`
	DiscordUserID string    `json:"discord_user_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Bridge executes game commands and manages verification codes
type Bridge struct {
	cfg      Config
	game     Game
	members  Members
	clock    clockwork.Clock
	generate func() (string, error)

	mu          sync.Mutex
	lastCommand time.Time
	codes       map[string]Code   // by code
	byUser      map[string]string // Discord user ID -> code
}

// New creates a bridge. members may be nil until the Discord session is up;
// see SetMembers.
func New(cfg Config, game Game, members Members, clock clockwork.Clock) *Bridge {
	return &Bridge{
		cfg:      cfg,
		game:     game,
		members:  members,
		clock:    clock,
		generate: generateCode,
		codes:    make(map[string]Code),
		byUser:   make(map[string]string),
	}
}

// SetMembers sets the Discord member operations used on verification
func (b *Bridge) SetMembers(members Members) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.members = members
}

// ExecuteCommand sends cmd to the game unless the previous command was sent
// less than the cooldown ago
func (b *Bridge) ExecuteCommand(ctx context.Context, cmd string) error {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return fmt.Errorf("empty command")
	}
	now := b.clock.Now()

	b.mu.Lock()
	if !b.lastCommand.IsZero() {
		if wait := b.cfg.Cooldown - now.Sub(b.lastCommand); wait > 0 {
			b.mu.Unlock()
			metrics.CommandsTotal.WithLabelValues("cooldown").Inc()
			return fmt.Errorf("%w: try again in %s", ErrCooldown, wait.Round(time.Second))
		}
	}
	b.lastCommand = now
	b.mu.Unlock()

	if err := b.game.SendChat(ctx, cmd); err != nil {
		metrics.CommandsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("sending command: %w", err)
	}
	metrics.CommandsTotal.WithLabelValues("sent").Inc()
	slog.Info("Sent game command", "command", cmd)
	return nil
}

// Whisper sends a private message to a player. Whispers are replies and do
// not count against the command cooldown.
func (b *Bridge) Whisper(ctx context.Context, username, message string) error {
	return b.game.SendChat(ctx, fmt.Sprintf("/msg %s %s", username, message))
}

// GenerateVerificationCode issues a code for userID, invalidating the user's
// previous code. A code still held by another user is never reissued.
func (b *Bridge) GenerateVerificationCode(userID string) (Code, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	var code string
	for attempt := 0; ; attempt++ {
		if attempt == maxCodeAttempts {
			return Code{}, errors.New("generating code: no free code found")
		}
		var err error
		code, err = b.generate()
		if err != nil {
			return Code{}, fmt.Errorf("generating code: %w", err)
		}
		held, ok := b.codes[code]
		if !ok || held.DiscordUserID == userID || !now.Before(held.ExpiresAt) {
			break
		}
	}

	if prev, ok := b.byUser[userID]; ok {
		if c, ok := b.codes[prev]; ok && c.DiscordUserID == userID {
			delete(b.codes, prev)
		}
	}
	if held, ok := b.codes[code]; ok {
		b.deleteLocked(held)
	}
	c := Code{
		Code:          code,
		DiscordUserID: userID,
		ExpiresAt:     now.Add(CodeTTL),
	}
	b.codes[code] = c
	b.byUser[userID] = code
	return c, nil
}

// ConsumeVerificationCode redeems code for the game account username. A bad
// code gets a whispered reply and leaves state unchanged.
func (b *Bridge) ConsumeVerificationCode(ctx context.Context, username, code string) error {
	code = strings.TrimSpace(code)
	now := b.clock.Now()

	b.mu.Lock()
	c, ok := b.codes[code]
	if ok && !now.Before(c.ExpiresAt) {
		b.deleteLocked(c)
		ok = false
	}
	if ok {
		b.deleteLocked(c)
	}
	members := b.members
	b.mu.Unlock()

	if !ok {
		metrics.VerificationsTotal.WithLabelValues("invalid").Inc()
		if err := b.Whisper(ctx, username, invalidCodeMessage); err != nil {
			slog.Warn("Failed to whisper verification failure", "player", username, "error", err)
		}
		return ErrInvalidCode
	}

	metrics.VerificationsTotal.WithLabelValues("success").Inc()
	slog.Info("Verification code redeemed", "player", username, "discord_user", c.DiscordUserID)
	b.linkAccount(ctx, members, c.DiscordUserID, username)

	if err := b.Whisper(ctx, username, "Verified! Your Discord account is now linked."); err != nil {
		slog.Warn("Failed to whisper verification success", "player", username, "error", err)
	}
	return nil
}

// linkAccount runs each Discord step independently so one failure does not
// skip the rest
func (b *Bridge) linkAccount(ctx context.Context, members Members, userID, username string) {
	if members == nil {
		slog.Warn("No Discord session, skipping account link", "discord_user", userID)
		return
	}
	if b.cfg.VerifiedRole != "" {
		if err := members.AddRole(ctx, userID, b.cfg.VerifiedRole); err != nil {
			slog.Warn("Failed to grant verified role", "discord_user", userID, "error", err)
		}
	}
	if b.cfg.UnverifiedRole != "" {
		if err := members.RemoveRole(ctx, userID, b.cfg.UnverifiedRole); err != nil {
			slog.Warn("Failed to revoke unverified role", "discord_user", userID, "error", err)
		}
	}
	if err := members.SetNickname(ctx, userID, username); err != nil {
		slog.Warn("Failed to set nickname", "discord_user", userID, "nickname", username, "error", err)
	}
	msg := fmt.Sprintf("You are now verified as **%s**.", username)
	if err := members.SendDM(ctx, userID, msg); err != nil {
		slog.Warn("Failed to send verification DM", "discord_user", userID, "error", err)
	}
}

func (b *Bridge) deleteLocked(c Code) {
	delete(b.codes, c.Code)
	if b.byUser[c.DiscordUserID] == c.Code {
		delete(b.byUser, c.DiscordUserID)
	}
}

// PendingCodes returns the number of live codes
func (b *Bridge) PendingCodes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.codes)
}

// SweepExpired removes expired codes
func (b *Bridge) SweepExpired() int {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for _, c := range b.codes {
		if !now.Before(c.ExpiresAt) {
			b.deleteLocked(c)
			removed++
		}
	}
	return removed
}

// Run sweeps expired codes until ctx is cancelled
func (b *Bridge) Run(ctx context.Context) {
	ticker := b.clock.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := b.SweepExpired(); n > 0 {
				slog.Info("Cleaned up expired verification codes", "count", n)
			}
		}
	}
}

// generateCode returns a random 6-digit code
func generateCode() (string, error) {
	const digits = "0123456789"
	code := make([]byte, 6)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		code[i] = digits[n.Int64()]
	}
	return string(code), nil
}
