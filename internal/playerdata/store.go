// Package playerdata keeps the last-known attributes of every player seen in
// chat and persists them to a JSON file.
package playerdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ernie/pitwatch/internal/domain"
	"github.com/jonboulle/clockwork"
)

// Attributes are the tracked player fields. Empty fields leave the stored value untouched.
type Attributes struct {
	Prestige string
	Level    int
	Guild    string
	Rank     string
	Lobby    string
}

// Record is the stored state of one player
type Record struct {
	Name      string    `json:"name"`
	Prestige  string    `json:"prestige"`
	Level     int       `json:"level"`
	Guild     string    `json:"guild"`
	Rank      string    `json:"rank"`
	Lobby     string    `json:"lobby"`
	LastSeen  time.Time `json:"lastSeen"`
	Decorated bool      `json:"decorated,omitempty"`
}

// DisplayName returns the name with the decoration symbol reapplied
func (r Record) DisplayName() string {
	if r.Decorated {
		return r.Name + " " + domain.DecorationSymbol
	}
	return r.Name
}

func (r Record) sameAttributes(o Record) bool {
	return r.Prestige == o.Prestige &&
		r.Level == o.Level &&
		r.Guild == o.Guild &&
		r.Rank == o.Rank &&
		r.Lobby == o.Lobby
}

// SaveInterval is how often pending changes are flushed to disk
const SaveInterval = 60 * time.Second

// Store is the durable player attribute map
type Store struct {
	path  string
	clock clockwork.Clock

	mu      sync.Mutex
	players map[string]Record
	dirty   bool
}

// NewStore creates a store persisting to path. An empty path disables persistence.
func NewStore(path string, clock clockwork.Clock) *Store {
	return &Store{
		path:    path,
		clock:   clock,
		players: make(map[string]Record),
	}
}

// Normalize returns the lookup key for a player name
func Normalize(name string) string {
	stripped, _ := domain.StripDecoration(name)
	return strings.ToLower(stripped)
}

// Update merges attrs into the record for name and reports whether a display
// refresh is warranted. Only prestige, level, guild, rank and lobby are
// compared; a last-seen change alone never counts.
func (s *Store) Update(name string, attrs Attributes) bool {
	stripped, decorated := domain.StripDecoration(name)
	if stripped == "" {
		return false
	}
	key := strings.ToLower(stripped)
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.players[key]
	next := prev
	next.Name = stripped
	next.Decorated = decorated
	next.LastSeen = now
	if attrs.Prestige != "" {
		next.Prestige = attrs.Prestige
	}
	if attrs.Level > 0 {
		next.Level = attrs.Level
	}
	if attrs.Guild != "" {
		next.Guild = attrs.Guild
	}
	if attrs.Rank != "" {
		next.Rank = attrs.Rank
	}
	if attrs.Lobby != "" {
		next.Lobby = attrs.Lobby
	}

	s.players[key] = next
	s.dirty = true

	return !exists || !prev.sameAttributes(next)
}

// Get returns the record for name, matching regardless of case or decoration
func (s *Store) Get(name string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.players[Normalize(name)]
	return r, ok
}

// All returns every record sorted by name
func (s *Store) All() []Record {
	s.mu.Lock()
	records := make([]Record, 0, len(s.players))
	for _, r := range s.players {
		records = append(records, r)
	}
	s.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		return strings.ToLower(records[i].Name) < strings.ToLower(records[j].Name)
	})
	return records
}

// Load restores the store from disk. A missing file is not an error.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading player data: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parsing player data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		stripped, decorated := domain.StripDecoration(r.Name)
		if stripped == "" {
			continue
		}
		r.Name = stripped
		r.Decorated = r.Decorated || decorated
		s.players[strings.ToLower(stripped)] = r
	}
	return nil
}

// Save writes the store to disk if anything changed since the last save
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	s.dirty = false
	s.mu.Unlock()

	if err := s.write(); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) write() error {
	data, err := json.MarshalIndent(s.All(), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding player data: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("creating player data directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing player data: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing player data: %w", err)
	}
	return nil
}

// Run saves pending changes on every tick and once more when ctx is cancelled
func (s *Store) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Save(); err != nil {
				slog.Error("Failed to save player data on shutdown", "error", err)
			}
			return
		case <-ticker.Chan():
			if err := s.Save(); err != nil {
				slog.Error("Failed to save player data", "error", err)
			}
		}
	}
}
