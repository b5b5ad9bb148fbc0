package models

import (
	"strings"
	"time"
)

// ChannelProvider identifies the streaming destination kind a channel points
// at. The set is closed: dispatch over providers is exhaustive and unknown
// values resolve to "no endpoint" rather than an error.
type ChannelProvider string

const (
	ProviderCustomRTMP ChannelProvider = "custom_rtmp"
	ProviderTwitch     ChannelProvider = "twitch"
	ProviderYouTube    ChannelProvider = "youtube"
)

// ParseChannelProvider normalises a provider name. Unknown names are returned
// lower-cased with ok=false so callers can decide whether to skip or reject.
func ParseChannelProvider(value string) (ChannelProvider, bool) {
	normalized := ChannelProvider(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case ProviderCustomRTMP, ProviderTwitch, ProviderYouTube:
		return normalized, true
	}
	return normalized, false
}

// IsOAuth reports whether the provider carries refreshable credentials rather
// than a static ingest endpoint.
func (p ChannelProvider) IsOAuth() bool {
	return p == ProviderTwitch || p == ProviderYouTube
}

// StreamChannel is a destination a profile can broadcast to.
//
// Custom RTMP channels always carry a non-empty CurrentEndpoint and no
// credentials; OAuth providers carry an encrypted credential record and have
// their endpoint resolved per broadcast.
type StreamChannel struct {
	ID              string            `json:"id"`
	ProfileID       string            `json:"profileId"`
	Provider        ChannelProvider   `json:"provider"`
	ExternalID      string            `json:"externalId,omitempty"`
	Credentials     map[string]string `json:"credentials,omitempty"`
	CurrentEndpoint string            `json:"currentEndpoint,omitempty"`
	Branding        map[string]string `json:"branding,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// StreamBroadcast is one live session for a profile, potentially spanning
// several channels. EndedAt is set exactly once and never precedes StartedAt.
type StreamBroadcast struct {
	ID         string     `json:"id"`
	ProfileID  string     `json:"profileId"`
	TemplateID string     `json:"templateId,omitempty"`
	Title      string     `json:"title"`
	EgressID   *string    `json:"egressId,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
}

// Active reports whether the broadcast has not been ended yet.
func (b StreamBroadcast) Active() bool {
	return b.EndedAt == nil
}

// StreamBroadcastChannel links a broadcast to a channel whose fan-out
// succeeded, together with the provider-side identifiers used to correlate
// chat ingestion. Rows are immutable once written.
type StreamBroadcastChannel struct {
	ID                  string    `json:"id"`
	BroadcastID         string    `json:"broadcastId"`
	ChannelID           string    `json:"channelId"`
	ExternalBroadcastID string    `json:"externalBroadcastId,omitempty"`
	ExternalStreamID    string    `json:"externalStreamId,omitempty"`
	ExternalChatID      string    `json:"externalChatId,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
}

// StreamBroadcastComment is a chat message ingested from a provider's live
// chat. Append-only; providers may deliver duplicates, which the store
// tolerates by id.
type StreamBroadcastComment struct {
	ID                 string    `json:"id"`
	BroadcastChannelID string    `json:"broadcastChannelId"`
	Name               string    `json:"name"`
	Content            string    `json:"content"`
	IsAdmin            bool      `json:"isAdmin"`
	PublishedAt        time.Time `json:"publishedAt"`
}
