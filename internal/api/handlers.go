// Package api exposes the control-plane HTTP surface: channel registration,
// broadcast start/stop, comment listing, and ingest token issue.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"

	"tribecast/internal/auth"
	"tribecast/internal/broadcast"
	"tribecast/internal/secrets"
	"tribecast/internal/storage"
)

// Handler carries the dependencies shared by the control-plane endpoints.
type Handler struct {
	Store       storage.Repository
	Coordinator *broadcast.Coordinator
	Tokens      *auth.TokenService
	Codec       *secrets.Codec
	AdminKey    string
	FFmpegPath  string
	Logger      *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// Health reports datastore reachability and whether the relay binary can be
// resolved. Degraded components report status without failing the endpoint
// shape.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	status := http.StatusOK
	components := map[string]string{"datastore": "ok", "relay": "ok"}
	if err := h.Store.Ping(r.Context()); err != nil {
		components["datastore"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	command := h.FFmpegPath
	if command == "" {
		command = "ffmpeg"
	}
	if _, err := exec.LookPath(command); err != nil {
		components["relay"] = "ffmpeg not found"
		status = http.StatusServiceUnavailable
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{
		"status":     state,
		"components": components,
	})
}

// IssueToken mints an ingest token for a profile. Guarded by the admin key.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var payload struct {
		ProfileID string `json:"profileId"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	profileID := strings.TrimSpace(payload.ProfileID)
	if profileID == "" {
		writeError(w, http.StatusBadRequest, errors.New("profileId is required"))
		return
	}
	token, err := h.Tokens.Issue(profileID)
	if err != nil {
		h.logger().Error("issue ingest token", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("could not issue token"))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}
