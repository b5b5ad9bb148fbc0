package api

import (
	"errors"
	"net/http"
	"strings"

	"tribecast/internal/models"
	"tribecast/internal/provider"
	"tribecast/internal/storage"
)

type channelRequest struct {
	Provider    string            `json:"provider"`
	ExternalID  string            `json:"externalId"`
	Endpoint    string            `json:"endpoint"`
	Credentials map[string]string `json:"credentials"`
	Branding    map[string]string `json:"branding"`
}

// Channels handles POST (register) and GET (list) on /v1/channels.
func (h *Handler) Channels(w http.ResponseWriter, r *http.Request) {
	profileID, ok := ProfileFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("authentication required"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		channels := h.Store.ListChannels(profileID)
		for i := range channels {
			channels[i] = redactChannel(channels[i])
		}
		writeJSON(w, http.StatusOK, channels)
	case http.MethodPost:
		h.createChannel(w, r, profileID)
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

func (h *Handler) createChannel(w http.ResponseWriter, r *http.Request, profileID string) {
	var payload channelRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	channelProvider, ok := models.ParseChannelProvider(payload.Provider)
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("unknown provider"))
		return
	}
	endpoint := strings.TrimSpace(payload.Endpoint)
	if channelProvider == models.ProviderCustomRTMP && endpoint == "" {
		writeError(w, http.StatusBadRequest, errors.New("custom_rtmp channels require an endpoint"))
		return
	}

	credentials, err := h.Codec.EncryptFields(payload.Credentials, provider.EncryptedFields(channelProvider))
	if err != nil {
		h.logger().Error("encrypt channel credentials", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("could not store credentials"))
		return
	}

	channel, err := h.Store.CreateChannel(storage.CreateChannelParams{
		ProfileID:   profileID,
		Provider:    channelProvider,
		ExternalID:  strings.TrimSpace(payload.ExternalID),
		Credentials: credentials,
		Endpoint:    endpoint,
		Branding:    payload.Branding,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateEndpoint) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, redactChannel(channel))
}

// ChannelByID handles GET and DELETE on /v1/channels/{id}.
func (h *Handler) ChannelByID(w http.ResponseWriter, r *http.Request) {
	profileID, ok := ProfileFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("authentication required"))
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/channels/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, errors.New("channel not found"))
		return
	}
	channel, exists := h.Store.GetChannel(id)
	if !exists || channel.ProfileID != profileID {
		writeError(w, http.StatusNotFound, storage.ErrChannelNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, redactChannel(channel))
	case http.MethodDelete:
		if err := h.Store.DeleteChannel(id); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

// redactChannel strips the credential blob from API responses. Encrypted or
// not, stored secrets never leave the service.
func redactChannel(channel models.StreamChannel) models.StreamChannel {
	channel.Credentials = nil
	return channel
}
