package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ernie/pitwatch/internal/domain"
	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"
)

// ErrPlayerNotFound is returned when no history exists for a player
var ErrPlayerNotFound = errors.New("player not found")

// formatTimestamp converts time.Time to SQLite-compatible UTC ISO8601 string
// The Z suffix ensures the Go sqlite driver parses it back as UTC
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

//go:embed schema.sql
var schema string

// Store provides access to player and lobby history
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordSighting upserts the player and appends a sighting
func (s *Store) RecordSighting(ctx context.Context, sg domain.Sighting) error {
	return s.record(ctx, sg, 0)
}

// RecordMessage records a sighting and counts one chat message
func (s *Store) RecordMessage(ctx context.Context, sg domain.Sighting) error {
	return s.record(ctx, sg, 1)
}

func (s *Store) record(ctx context.Context, sg domain.Sighting, messages int) error {
	name := strings.TrimSpace(sg.Name)
	if name == "" {
		return fmt.Errorf("sighting without player name")
	}
	if sg.At.IsZero() {
		return fmt.Errorf("sighting of %s without timestamp", name)
	}
	at := sg.At

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO players (name, clan_tag, prestige, level, lobby, first_seen, last_seen, message_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			clan_tag = CASE WHEN excluded.clan_tag != '' THEN excluded.clan_tag ELSE players.clan_tag END,
			prestige = CASE WHEN excluded.prestige != '' THEN excluded.prestige ELSE players.prestige END,
			level = CASE WHEN excluded.level > 0 THEN excluded.level ELSE players.level END,
			lobby = CASE WHEN excluded.lobby != '' THEN excluded.lobby ELSE players.lobby END,
			last_seen = MAX(players.last_seen, excluded.last_seen),
			message_count = players.message_count + excluded.message_count
	`, name, sg.ClanTag, sg.Prestige, sg.Level, sg.Lobby, formatTimestamp(at), formatTimestamp(at), messages)
	if err != nil {
		return fmt.Errorf("upserting player: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sightings (player_name, lobby, seen_at) VALUES (?, ?, ?)
	`, name, sg.Lobby, formatTimestamp(at))
	if err != nil {
		return fmt.Errorf("inserting sighting: %w", err)
	}

	return tx.Commit()
}

// AddTimeTogether adds d to the time the bot account has shared a lobby with the player
func (s *Store) AddTimeTogether(ctx context.Context, name string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE players SET time_together_ms = time_together_ms + ? WHERE name = ?
	`, d.Milliseconds(), strings.TrimSpace(name))
	if err != nil {
		return fmt.Errorf("updating time together: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrPlayerNotFound
	}
	return nil
}

// GetPlayer returns the history of a player with sighting counts relative to now
func (s *Store) GetPlayer(ctx context.Context, name string, now time.Time) (*domain.PlayerHistory, error) {
	var p domain.PlayerHistory
	var timeTogether int64
	err := s.db.QueryRowContext(ctx, `
		SELECT name, clan_tag, prestige, level, lobby, first_seen, last_seen, message_count, time_together_ms
		FROM players WHERE name = ?
	`, strings.TrimSpace(name)).Scan(&p.Name, &p.ClanTag, &p.Prestige, &p.Level, &p.Lobby,
		&p.FirstSeen, &p.LastSeen, &p.MessageCount, &timeTogether)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlayerNotFound
	}
	if err != nil {
		return nil, err
	}
	p.TimeTogether = millisToDuration(timeTogether)

	rows, err := s.db.QueryContext(ctx, `
		SELECT seen_at FROM sightings
		WHERE player_name = ? AND seen_at >= ?
		ORDER BY seen_at
	`, p.Name, formatTimestamp(now.Add(-domain.HistoryRetention)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	weekAgo := now.Add(-7 * 24 * time.Hour)
	for rows.Next() {
		var seen time.Time
		if err := rows.Scan(&seen); err != nil {
			return nil, err
		}
		p.Sightings = append(p.Sightings, seen)
		p.Seen30d++
		if !seen.Before(weekAgo) {
			p.Seen7d++
		}
	}
	return &p, rows.Err()
}

// RecentPlayers returns the most recently seen players
func (s *Store) RecentPlayers(ctx context.Context, limit int) ([]domain.PlayerHistory, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, clan_tag, prestige, level, lobby, first_seen, last_seen, message_count, time_together_ms
		FROM players ORDER BY last_seen DESC, name LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var players []domain.PlayerHistory
	for rows.Next() {
		var p domain.PlayerHistory
		var clanTag, prestige, lobby sql.NullString
		var timeTogether sql.NullInt64
		if err := rows.Scan(&p.Name, &clanTag, &prestige, &p.Level, &lobby,
			&p.FirstSeen, &p.LastSeen, &p.MessageCount, &timeTogether); err != nil {
			return nil, err
		}
		p.ClanTag = scanNullStringValue(clanTag)
		p.Prestige = scanNullStringValue(prestige)
		p.Lobby = scanNullStringValue(lobby)
		p.TimeTogether = millisToDuration(scanNullInt64Value(timeTogether))
		players = append(players, p)
	}
	return players, rows.Err()
}

// Cleanup removes players unseen for the retention window and sightings older
// than it. It returns the number of players removed.
func (s *Store) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	cutoff := formatTimestamp(now.Add(-domain.HistoryRetention))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM players WHERE last_seen < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning players: %w", err)
	}
	removed, _ := result.RowsAffected()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sightings WHERE seen_at < ?`, cutoff); err != nil {
		return 0, fmt.Errorf("pruning sightings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sightings WHERE player_name NOT IN (SELECT name FROM players)
	`); err != nil {
		return 0, fmt.Errorf("pruning orphaned sightings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return removed, nil
}

// CleanupInterval is how often RunCleanup prunes expired history
const CleanupInterval = time.Hour

// RunCleanup prunes expired history once at start and then every
// CleanupInterval until ctx is cancelled
func (s *Store) RunCleanup(ctx context.Context, clock clockwork.Clock) {
	s.cleanupOnce(ctx, clock.Now())

	ticker := clock.NewTicker(CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.cleanupOnce(ctx, clock.Now())
		}
	}
}

func (s *Store) cleanupOnce(ctx context.Context, now time.Time) {
	n, err := s.Cleanup(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Failed to prune player history", "error", err)
		}
		return
	}
	if n > 0 {
		slog.Info("Pruned player history", "players", n)
	}
}
