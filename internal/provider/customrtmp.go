package provider

import (
	"context"
	"strings"

	"tribecast/internal/models"
	"tribecast/internal/secrets"
)

// CustomRTMPAdapter pushes to a user-supplied RTMP server. There is no
// provider API to call: the endpoint is the configured URL, joined with the
// decrypted stream key when one is set.
type CustomRTMPAdapter struct {
	codec *secrets.Codec
}

// NewCustomRTMPAdapter constructs the adapter.
func NewCustomRTMPAdapter(codec *secrets.Codec) *CustomRTMPAdapter {
	return &CustomRTMPAdapter{codec: codec}
}

func (a *CustomRTMPAdapter) Provider() models.ChannelProvider {
	return models.ProviderCustomRTMP
}

func (a *CustomRTMPAdapter) Start(ctx context.Context, broadcastID string, channel models.StreamChannel, title string) (*ChannelStart, error) {
	credentials, err := a.codec.DecryptFields(channel.Credentials, EncryptedFields(models.ProviderCustomRTMP))
	if err != nil {
		return nil, err
	}

	base := strings.TrimSpace(credentials[CredentialRTMPURL])
	if base == "" {
		base = strings.TrimSpace(channel.CurrentEndpoint)
	}
	if base == "" {
		return nil, nil
	}

	// A separate stream key is optional. Channels registered with a full
	// ingest URL already carry the key in the endpoint itself.
	if key := strings.TrimSpace(credentials[CredentialStreamKey]); key != "" {
		return &ChannelStart{Endpoint: joinEndpoint(base, key)}, nil
	}
	return &ChannelStart{Endpoint: base}, nil
}
