package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"tribecast/internal/models"
	"tribecast/internal/storage"
)

// Broadcasts handles POST (start) and GET (list) on /v1/broadcasts.
func (h *Handler) Broadcasts(w http.ResponseWriter, r *http.Request) {
	profileID, ok := ProfileFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("authentication required"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.Store.ListBroadcasts(profileID))
	case http.MethodPost:
		h.startBroadcast(w, r, profileID)
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

func (h *Handler) startBroadcast(w http.ResponseWriter, r *http.Request, profileID string) {
	var payload struct {
		Title      string `json:"title"`
		TemplateID string `json:"templateId"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(payload.Title) == "" {
		writeError(w, http.StatusBadRequest, errors.New("title is required"))
		return
	}

	started, endpoints, err := h.Coordinator.StartBroadcast(r.Context(), profileID, payload.Title, payload.TemplateID)
	if err != nil {
		if errors.Is(err, storage.ErrBroadcastAlreadyActive) {
			writeError(w, http.StatusConflict, err)
			return
		}
		h.logger().Error("start broadcast", "profile_id", profileID, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("could not start broadcast"))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"broadcast": started,
		"endpoints": endpoints,
	})
}

// BroadcastByID handles /v1/broadcasts/{id} and its subresources:
// GET {id}, POST {id}/stop, GET {id}/channels.
func (h *Handler) BroadcastByID(w http.ResponseWriter, r *http.Request) {
	profileID, ok := ProfileFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("authentication required"))
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/broadcasts/"), "/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, storage.ErrBroadcastNotFound)
		return
	}
	owned, exists := h.Store.GetBroadcast(id)
	if !exists || owned.ProfileID != profileID {
		writeError(w, http.StatusNotFound, storage.ErrBroadcastNotFound)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, owned)
	case action == "stop" && r.Method == http.MethodPost:
		stopped, err := h.Coordinator.StopBroadcast(r.Context(), id)
		if err != nil {
			h.logger().Error("stop broadcast", "broadcast_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, errors.New("could not stop broadcast"))
			return
		}
		writeJSON(w, http.StatusOK, stopped)
	case action == "channels" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, h.Store.ListBroadcastChannels(id))
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

// BroadcastChannelComments handles GET /v1/broadcast-channels/{id}/comments.
func (h *Handler) BroadcastChannelComments(w http.ResponseWriter, r *http.Request) {
	profileID, ok := ProfileFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("authentication required"))
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/broadcast-channels/"), "/")
	id, resource, _ := strings.Cut(rest, "/")
	if id == "" || resource != "comments" {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}

	link, exists := h.Store.GetBroadcastChannel(id)
	if !exists {
		writeError(w, http.StatusNotFound, errors.New("broadcast channel not found"))
		return
	}
	owned, exists := h.Store.GetBroadcast(link.BroadcastID)
	if !exists || owned.ProfileID != profileID {
		writeError(w, http.StatusNotFound, errors.New("broadcast channel not found"))
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be between 1 and 500"))
			return
		}
		limit = parsed
	}

	comments := h.Store.ListComments(id, limit)
	if comments == nil {
		comments = []models.StreamBroadcastComment{}
	}
	writeJSON(w, http.StatusOK, comments)
}
