// Package timefmt renders instants for Discord messages and plain-text output.
package timefmt

import (
	"fmt"
	"strings"
	"time"
)

// Relative renders t as a Discord relative timestamp ("in 5 minutes")
func Relative(t time.Time) string {
	return fmt.Sprintf("<t:%d:R>", t.Unix())
}

// Absolute renders t as a Discord short date/time timestamp
func Absolute(t time.Time) string {
	return fmt.Sprintf("<t:%d:f>", t.Unix())
}

// Time renders t as a Discord short time timestamp
func Time(t time.Time) string {
	return fmt.Sprintf("<t:%d:t>", t.Unix())
}

// Humanize renders d as a compact duration like "1h 5m" or "45s"
func Humanize(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}

	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	minutes := int(d / time.Minute)

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	return strings.Join(parts, " ")
}

// Until renders the time remaining from now to t, or "expired"
func Until(now, t time.Time) string {
	if !t.After(now) {
		return "expired"
	}
	return "in " + Humanize(t.Sub(now))
}

// Ago renders the time elapsed from t to now
func Ago(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	if !now.After(t) {
		return "just now"
	}
	return Humanize(now.Sub(t)) + " ago"
}
