package domain

import (
	"strings"
	"time"
)

// BoosterType is a boost category announced in game chat
type BoosterType string

const (
	BoosterXP      BoosterType = "xp"
	BoosterGold    BoosterType = "gold"
	BoosterMining  BoosterType = "mining"
	BoosterFishing BoosterType = "fishing"
	BoosterFarming BoosterType = "farming"
	BoosterBounty  BoosterType = "bounty" // the only category without a multiplier
)

// BoosterTypes is the fixed category list, in display order
var BoosterTypes = []BoosterType{
	BoosterXP,
	BoosterGold,
	BoosterMining,
	BoosterFishing,
	BoosterFarming,
	BoosterBounty,
}

// BoosterMultipliers is the discrete set of multipliers a booster may carry
var BoosterMultipliers = []float64{1.5, 2.0, 2.4, 2.5, 3.0}

const (
	DefaultBoosterMultiplier = 2.0
	BoosterDuration          = 30 * time.Minute
)

// pingBoosters get a role mention on activation
var pingBoosters = map[BoosterType]bool{
	BoosterXP:     true,
	BoosterGold:   true,
	BoosterMining: true,
}

// ParseBoosterType normalizes s (trim, lowercase) and reports whether it names a known category
func ParseBoosterType(s string) (BoosterType, bool) {
	t := BoosterType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range BoosterTypes {
		if t == known {
			return t, true
		}
	}
	return "", false
}

// HasMultiplier reports whether boosters of this type carry a multiplier
func (t BoosterType) HasMultiplier() bool {
	return t != BoosterBounty
}

// Pingable reports whether activation of this type mentions the booster role
func (t BoosterType) Pingable() bool {
	return pingBoosters[t]
}

// DisplayName returns the title-cased category name, e.g. "Mining"
func (t BoosterType) DisplayName() string {
	if t == BoosterXP {
		return "XP"
	}
	s := string(t)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// ValidMultiplier reports whether m is in BoosterMultipliers
func ValidMultiplier(m float64) bool {
	for _, v := range BoosterMultipliers {
		if v == m {
			return true
		}
	}
	return false
}

// Booster is an active timed boost. Multiplier is nil iff the type has no multiplier.
type Booster struct {
	Type       BoosterType `json:"type"`
	Player     string      `json:"player"`
	Multiplier *float64    `json:"multiplier"`
	StartTime  time.Time   `json:"start_time"`
	ExpiryTime time.Time   `json:"expiry_time"`
}

// Expired reports whether the booster has run out at now
func (b Booster) Expired(now time.Time) bool {
	return !b.ExpiryTime.After(now)
}
