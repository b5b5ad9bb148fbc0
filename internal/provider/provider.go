// Package provider adapts broadcast start-up and chat ingestion to the
// streaming services a channel can target. Adapters translate a channel's
// stored credentials into a concrete RTMP endpoint; chat listeners feed
// viewer comments into the comment queue.
package provider

import (
	"context"
	"errors"
	"strings"

	"tribecast/internal/models"
)

var ErrUnsupportedProvider = errors.New("provider: unsupported channel provider")

// ChannelStart is the provider-side outcome of starting one channel. The
// endpoint is where the relay pushes media; the external IDs tie the local
// broadcast channel row to the provider's resources.
type ChannelStart struct {
	Endpoint            string
	ExternalBroadcastID string
	ExternalStreamID    string
	ExternalChatID      string
}

// Adapter starts a provider-side broadcast for one channel.
//
// A nil ChannelStart with a nil error means the channel is not usable (for
// example, missing credentials) and should be skipped without recording a
// failure. A non-nil error means the provider was attempted and failed; the
// caller skips the channel but the rest of the fan-out proceeds.
type Adapter interface {
	Provider() models.ChannelProvider
	Start(ctx context.Context, broadcastID string, channel models.StreamChannel, title string) (*ChannelStart, error)
}

// CredentialStore persists refreshed credentials back to the datastore.
type CredentialStore interface {
	UpdateChannelCredentials(id string, credentials map[string]string) (models.StreamChannel, error)
}

// Registry resolves adapters by provider.
type Registry struct {
	adapters map[models.ChannelProvider]Adapter
}

// NewRegistry indexes the given adapters by their provider.
func NewRegistry(adapters ...Adapter) *Registry {
	indexed := make(map[models.ChannelProvider]Adapter, len(adapters))
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		indexed[adapter.Provider()] = adapter
	}
	return &Registry{adapters: indexed}
}

// Lookup returns the adapter registered for the provider.
func (r *Registry) Lookup(provider models.ChannelProvider) (Adapter, bool) {
	adapter, ok := r.adapters[provider]
	return adapter, ok
}

// Credential field names shared by the adapters and the API layer.
const (
	CredentialRTMPURL       = "rtmp_url"
	CredentialStreamKey     = "stream_key"
	CredentialAccessToken   = "access_token"
	CredentialRefreshToken  = "refresh_token"
	CredentialBroadcasterID = "broadcaster_id"
	CredentialLogin         = "login"
)

// EncryptedFields lists the credential fields that are stored encrypted for
// the given provider.
func EncryptedFields(provider models.ChannelProvider) []string {
	switch provider {
	case models.ProviderCustomRTMP:
		return []string{CredentialStreamKey}
	case models.ProviderTwitch, models.ProviderYouTube:
		return []string{CredentialAccessToken, CredentialRefreshToken}
	default:
		return nil
	}
}

// joinEndpoint builds the push URL from an ingest base and a stream key.
func joinEndpoint(base, key string) string {
	return strings.TrimSpace(base) + "/" + strings.TrimSpace(key)
}
