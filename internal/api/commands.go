package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ernie/pitwatch/internal/bridge"
	"github.com/ernie/pitwatch/internal/mc"
)

// CommandRequest is the request body for game commands
type CommandRequest struct {
	Command string `json:"command"`
}

// CommandResponse is the response body for game commands
type CommandResponse struct {
	Status  string `json:"status"`
	Command string `json:"command"`
}

// handleCommand sends a game command through the bridge (admin only)
func (r *Router) handleCommand(w http.ResponseWriter, req *http.Request) {
	var cmdReq CommandRequest
	if err := json.NewDecoder(req.Body).Decode(&cmdReq); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !validateCommand(cmdReq.Command) {
		writeError(w, http.StatusBadRequest, "invalid command")
		return
	}
	cmd := strings.TrimSpace(cmdReq.Command)

	err := r.deps.Commands.ExecuteCommand(req.Context(), cmd)
	switch {
	case errors.Is(err, bridge.ErrCooldown):
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case errors.Is(err, mc.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		slog.Error("Failed to send game command", "command", cmd, "error", err)
		writeError(w, http.StatusBadGateway, "failed to send command")
		return
	}

	slog.Info("Sent game command from API", "command", cmd)
	writeJSON(w, http.StatusOK, CommandResponse{Status: "sent", Command: cmd})
}
