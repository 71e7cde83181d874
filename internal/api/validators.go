package api

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// playerNameRegex matches Minecraft account names
var playerNameRegex = regexp.MustCompile(`^\w{1,16}$`)

// maxCommandLength is the longest chat line the game accepts
const maxCommandLength = 256

// parseLimit parses and validates a limit parameter with default and max values
func parseLimit(r *http.Request, defaultLimit, maxLimit int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxLimit {
			return parsed
		}
	}
	return defaultLimit
}

// validatePlayerName checks if a player name is well formed
func validatePlayerName(name string) bool {
	return playerNameRegex.MatchString(name)
}

// validateCommand checks if a game command can be sent
func validateCommand(cmd string) bool {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" || len(cmd) > maxCommandLength {
		return false
	}
	return !strings.ContainsAny(cmd, "\n\r§")
}
