package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"tribecast/internal/comments"
	"tribecast/internal/models"
	"tribecast/internal/secrets"
)

// ChatListener consumes a provider's live chat for one broadcast channel.
// Run blocks until the context is cancelled, reconnecting internally.
type ChatListener interface {
	Run(ctx context.Context)
}

// ChannelSource resolves the current state of a channel. Chat listeners use
// it so a token refreshed after the listener started is still picked up.
type ChannelSource interface {
	GetChannel(id string) (models.StreamChannel, bool)
}

// ChatFactory builds chat listeners for broadcast channels whose provider
// exposes a live chat.
type ChatFactory struct {
	twitchServer string
	youtubeAPI   string
	codec        *secrets.Codec
	channels     ChannelSource
	queue        comments.Queue
	client       *http.Client
	logger       *slog.Logger
}

// NewChatFactory constructs the factory. Empty server URLs fall back to the
// public Twitch and YouTube endpoints.
func NewChatFactory(twitchServer, youtubeAPI string, codec *secrets.Codec, channels ChannelSource, queue comments.Queue, client *http.Client, logger *slog.Logger) *ChatFactory {
	if twitchServer == "" {
		twitchServer = defaultTwitchChatServer
	}
	if youtubeAPI == "" {
		youtubeAPI = defaultYouTubeAPIBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatFactory{
		twitchServer: twitchServer,
		youtubeAPI:   youtubeAPI,
		codec:        codec,
		channels:     channels,
		queue:        queue,
		client:       client,
		logger:       logger,
	}
}

// Listener returns a chat listener for the broadcast channel, or nil when
// the provider has no chat or the link carries no chat identifier.
func (f *ChatFactory) Listener(channel models.StreamChannel, link models.StreamBroadcastChannel) ChatListener {
	chatID := strings.TrimSpace(link.ExternalChatID)
	if chatID == "" {
		return nil
	}
	switch channel.Provider {
	case models.ProviderTwitch:
		return NewTwitchChatListener(f.twitchServer, chatID, link.ID, f.queue, f.logger)
	case models.ProviderYouTube:
		return NewYouTubeChatListener(f.youtubeAPI, chatID, link.ID, f.tokenSource(channel.ID), f.queue, f.client, f.logger)
	default:
		return nil
	}
}

// tokenSource reads the channel's current access token on every call so a
// mid-broadcast refresh reaches the poller.
func (f *ChatFactory) tokenSource(channelID string) TokenSource {
	return func(ctx context.Context) (string, error) {
		channel, ok := f.channels.GetChannel(channelID)
		if !ok {
			return "", fmt.Errorf("channel %s no longer exists", channelID)
		}
		opened, err := f.codec.DecryptFields(channel.Credentials, EncryptedFields(channel.Provider))
		if err != nil {
			return "", err
		}
		token := strings.TrimSpace(opened[CredentialAccessToken])
		if token == "" {
			return "", fmt.Errorf("channel %s has no access token", channelID)
		}
		return token, nil
	}
}
