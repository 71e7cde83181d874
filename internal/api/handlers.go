package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ernie/pitwatch/internal/domain"
	"github.com/ernie/pitwatch/internal/playerdata"
	"github.com/ernie/pitwatch/internal/storage"
)

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleGetBoosters returns active and inactive boosters
func (r *Router) handleGetBoosters(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.deps.Boosters.States())
}

// handleGetLobby returns the current lobby and its players
func (r *Router) handleGetLobby(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.deps.Lobby.Status())
}

// handleGetPlayers returns recently seen players
func (r *Router) handleGetPlayers(w http.ResponseWriter, req *http.Request) {
	limit := parseLimit(req, 20, 100)

	players, err := r.deps.History.RecentPlayers(req.Context(), limit)
	if err != nil {
		slog.Error("Failed to list recent players", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list players")
		return
	}
	writeJSON(w, http.StatusOK, players)
}

// PlayerResponse combines sighting history with the last-known profile
type PlayerResponse struct {
	Name    string                `json:"name"`
	History *domain.PlayerHistory `json:"history,omitempty"`
	Profile *playerdata.Record    `json:"profile,omitempty"`
}

// handleGetPlayer returns a single player's history and profile
func (r *Router) handleGetPlayer(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")
	if !validatePlayerName(name) {
		writeError(w, http.StatusBadRequest, "invalid player name")
		return
	}

	resp := PlayerResponse{Name: name}

	history, err := r.deps.History.GetPlayer(req.Context(), name, r.clock.Now())
	switch {
	case err == nil:
		resp.History = history
		resp.Name = history.Name
	case errors.Is(err, storage.ErrPlayerNotFound):
	default:
		slog.Error("Failed to get player history", "player", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get player")
		return
	}

	if rec, ok := r.deps.Profiles.Get(name); ok {
		resp.Profile = &rec
		if resp.History == nil {
			resp.Name = rec.Name
		}
	}

	if resp.History == nil && resp.Profile == nil {
		writeError(w, http.StatusNotFound, "player not found")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth returns a simple health check response
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
