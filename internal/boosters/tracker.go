// Package boosters tracks active timed boosts per category and persists them
// to a JSON file so they survive a restart.
package boosters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ernie/pitwatch/internal/domain"
	"github.com/ernie/pitwatch/internal/metrics"
	"github.com/ernie/pitwatch/internal/timefmt"
	"github.com/jonboulle/clockwork"
)

// SweepInterval is how often expired boosters are removed and state is saved
const SweepInterval = 60 * time.Second

// ActiveState is a booster as shown to users
type ActiveState struct {
	Type        domain.BoosterType `json:"type"`
	DisplayName string             `json:"display_name"`
	Player      string             `json:"player"`
	Multiplier  *float64           `json:"multiplier"`
	StartTime   time.Time          `json:"start_time"`
	ExpiryTime  time.Time          `json:"expiry_time"`
	ExpiresIn   string             `json:"expires_in"` // Discord relative timestamp
}

// States partitions the fixed category list into active and inactive boosters
type States struct {
	Active   []ActiveState `json:"active"`
	Inactive []string      `json:"inactive"`
}

// fileRecord is the on-disk form of a booster
type fileRecord struct {
	Player     string    `json:"player"`
	Multiplier *float64  `json:"multiplier"`
	StartTime  time.Time `json:"startTime"`
	ExpiryTime time.Time `json:"expiryTime"`
}

// Tracker is the registry of active boosters. At most one booster per type is active.
type Tracker struct {
	path  string
	clock clockwork.Clock

	mu     sync.Mutex
	active map[domain.BoosterType]domain.Booster
}

// NewTracker creates a tracker persisting to path. An empty path disables persistence.
func NewTracker(path string, clock clockwork.Clock) *Tracker {
	return &Tracker{
		path:   path,
		clock:  clock,
		active: make(map[domain.BoosterType]domain.Booster),
	}
}

// Add registers a new booster. It returns false for unknown types or when an
// unexpired booster of that type already exists. Out-of-set multipliers are
// coerced to the default.
func (t *Tracker) Add(typ, player string, multiplier float64) bool {
	bt, ok := domain.ParseBoosterType(typ)
	if !ok {
		slog.Warn("Rejected booster with unknown type", "type", typ, "player", player)
		return false
	}
	player = strings.TrimSpace(player)

	var mult *float64
	if bt.HasMultiplier() {
		if !domain.ValidMultiplier(multiplier) {
			slog.Warn("Coercing booster multiplier to default", "type", bt, "multiplier", multiplier)
			multiplier = domain.DefaultBoosterMultiplier
		}
		mult = &multiplier
	}

	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.active[bt]; ok && !existing.Expired(now) {
		slog.Warn("Rejected booster, one already active", "type", bt, "player", player, "active_player", existing.Player)
		return false
	}

	t.active[bt] = domain.Booster{
		Type:       bt,
		Player:     player,
		Multiplier: mult,
		StartTime:  now,
		ExpiryTime: now.Add(domain.BoosterDuration),
	}
	metrics.ActiveBoosters.Set(float64(len(t.active)))
	return true
}

// Remove deletes the active booster of typ if it belongs to player (case-sensitive, trimmed)
func (t *Tracker) Remove(typ, player string) bool {
	bt, ok := domain.ParseBoosterType(typ)
	if !ok {
		return false
	}
	player = strings.TrimSpace(player)
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.active[bt]
	if !ok || existing.Expired(now) {
		slog.Warn("No active booster to remove", "type", bt, "player", player)
		return false
	}
	if existing.Player != player {
		slog.Warn("Booster removal player mismatch", "type", bt, "player", player, "active_player", existing.Player)
		return false
	}
	delete(t.active, bt)
	metrics.ActiveBoosters.Set(float64(len(t.active)))
	return true
}

// Active returns the unexpired booster of typ, if any
func (t *Tracker) Active(bt domain.BoosterType) (domain.Booster, bool) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.active[bt]
	if !ok || b.Expired(now) {
		return domain.Booster{}, false
	}
	return b, true
}

// SweepExpired deletes every booster whose expiry time has passed
func (t *Tracker) SweepExpired() int {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for bt, b := range t.active {
		if b.Expired(now) {
			delete(t.active, bt)
			removed++
		}
	}
	metrics.ActiveBoosters.Set(float64(len(t.active)))
	return removed
}

// States sweeps expired boosters and partitions the category list
func (t *Tracker) States() States {
	t.SweepExpired()

	t.mu.Lock()
	defer t.mu.Unlock()

	states := States{
		Active:   []ActiveState{},
		Inactive: []string{},
	}
	for _, bt := range domain.BoosterTypes {
		b, ok := t.active[bt]
		if !ok {
			states.Inactive = append(states.Inactive, bt.DisplayName())
			continue
		}
		states.Active = append(states.Active, ActiveState{
			Type:        bt,
			DisplayName: bt.DisplayName(),
			Player:      b.Player,
			Multiplier:  b.Multiplier,
			StartTime:   b.StartTime,
			ExpiryTime:  b.ExpiryTime,
			ExpiresIn:   timefmt.Relative(b.ExpiryTime),
		})
	}
	return states
}

// Load restores state from disk. A missing file is not an error. Records that
// have already expired stay inert until the next sweep.
func (t *Tracker) Load() error {
	if t.path == "" {
		return nil
	}
	data, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading booster state: %w", err)
	}

	var records map[string]fileRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parsing booster state: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for name, rec := range records {
		bt, ok := domain.ParseBoosterType(name)
		if !ok {
			slog.Warn("Skipping unknown booster type in state file", "type", name)
			continue
		}
		switch {
		case !bt.HasMultiplier():
			rec.Multiplier = nil
		case rec.Multiplier == nil || !domain.ValidMultiplier(*rec.Multiplier):
			slog.Warn("Coercing stored booster multiplier to default", "type", bt, "player", rec.Player)
			m := domain.DefaultBoosterMultiplier
			rec.Multiplier = &m
		}
		t.active[bt] = domain.Booster{
			Type:       bt,
			Player:     rec.Player,
			Multiplier: rec.Multiplier,
			StartTime:  rec.StartTime,
			ExpiryTime: rec.ExpiryTime,
		}
	}
	return nil
}

// Save writes the current state to disk atomically
func (t *Tracker) Save() error {
	if t.path == "" {
		return nil
	}

	t.mu.Lock()
	records := make(map[string]fileRecord, len(t.active))
	for bt, b := range t.active {
		records[string(bt)] = fileRecord{
			Player:     b.Player,
			Multiplier: b.Multiplier,
			StartTime:  b.StartTime.UTC(),
			ExpiryTime: b.ExpiryTime.UTC(),
		}
	}
	t.mu.Unlock()

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding booster state: %w", err)
	}
	return writeFileAtomic(t.path, data)
}

// Run sweeps and saves on every tick until ctx is cancelled
func (t *Tracker) Run(ctx context.Context) {
	ticker := t.clock.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := t.Save(); err != nil {
				slog.Error("Failed to save booster state on shutdown", "error", err)
			}
			return
		case <-ticker.Chan():
			if n := t.SweepExpired(); n > 0 {
				slog.Info("Swept expired boosters", "count", n)
			}
			if err := t.Save(); err != nil {
				slog.Error("Failed to save booster state", "error", err)
			}
		}
	}
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}
