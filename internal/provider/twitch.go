package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tribecast/internal/models"
	"tribecast/internal/secrets"
)

// TwitchConfig wires the Twitch application and endpoint overrides. The URL
// fields exist so tests can point the adapter at stub servers.
type TwitchConfig struct {
	ClientID      string
	ClientSecret  string
	AuthBaseURL   string
	APIBaseURL    string
	IngestBaseURL string
	ChatServerURL string
}

const (
	defaultTwitchAuthBase   = "https://id.twitch.tv"
	defaultTwitchAPIBase    = "https://api.twitch.tv"
	defaultTwitchIngestBase = "rtmp://live.twitch.tv/app"
	defaultTwitchChatServer = "wss://irc-ws.chat.twitch.tv:443"
)

// TwitchAdapter starts Twitch broadcasts: it validates the stored user
// token, refreshes and re-persists it when expired, and resolves the
// channel's stream key into a push endpoint.
type TwitchAdapter struct {
	cfg    TwitchConfig
	client *http.Client
	codec  *secrets.Codec
	store  CredentialStore
	logger *slog.Logger
}

// NewTwitchAdapter constructs the adapter.
func NewTwitchAdapter(cfg TwitchConfig, codec *secrets.Codec, store CredentialStore, client *http.Client, logger *slog.Logger) *TwitchAdapter {
	if cfg.AuthBaseURL == "" {
		cfg.AuthBaseURL = defaultTwitchAuthBase
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultTwitchAPIBase
	}
	if cfg.IngestBaseURL == "" {
		cfg.IngestBaseURL = defaultTwitchIngestBase
	}
	if cfg.ChatServerURL == "" {
		cfg.ChatServerURL = defaultTwitchChatServer
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TwitchAdapter{cfg: cfg, client: client, codec: codec, store: store, logger: logger}
}

func (a *TwitchAdapter) Provider() models.ChannelProvider {
	return models.ProviderTwitch
}

// ChatServerURL exposes the configured IRC gateway for chat listeners.
func (a *TwitchAdapter) ChatServerURL() string {
	return a.cfg.ChatServerURL
}

func (a *TwitchAdapter) Start(ctx context.Context, broadcastID string, channel models.StreamChannel, title string) (*ChannelStart, error) {
	credentials, err := a.codec.DecryptFields(channel.Credentials, EncryptedFields(models.ProviderTwitch))
	if err != nil {
		return nil, err
	}

	accessToken := strings.TrimSpace(credentials[CredentialAccessToken])
	refreshToken := strings.TrimSpace(credentials[CredentialRefreshToken])
	if accessToken == "" && refreshToken == "" {
		return nil, nil
	}

	broadcasterID := strings.TrimSpace(credentials[CredentialBroadcasterID])
	if broadcasterID == "" {
		broadcasterID = strings.TrimSpace(channel.ExternalID)
	}
	if broadcasterID == "" {
		return nil, nil
	}

	valid, err := a.validateToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if !valid {
		accessToken, refreshToken, err = a.refreshToken(ctx, refreshToken)
		if err != nil {
			return nil, err
		}
		credentials[CredentialAccessToken] = accessToken
		credentials[CredentialRefreshToken] = refreshToken
		if err := a.persistCredentials(channel.ID, credentials); err != nil {
			return nil, err
		}
	}

	streamKey, err := a.fetchStreamKey(ctx, accessToken, broadcasterID)
	if err != nil {
		return nil, err
	}

	chatID := strings.TrimSpace(credentials[CredentialLogin])
	if chatID == "" {
		chatID = broadcasterID
	}
	return &ChannelStart{
		Endpoint:       joinEndpoint(a.cfg.IngestBaseURL, streamKey),
		ExternalChatID: chatID,
	}, nil
}

func (a *TwitchAdapter) validateToken(ctx context.Context, accessToken string) (bool, error) {
	if accessToken == "" {
		return false, nil
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.AuthBaseURL+"/oauth2/validate", nil)
	if err != nil {
		return false, fmt.Errorf("create validate request: %w", err)
	}
	request.Header.Set("Authorization", "OAuth "+accessToken)

	response, err := a.client.Do(request)
	if err != nil {
		return false, fmt.Errorf("validate token: %w", err)
	}
	defer response.Body.Close()
	io.Copy(io.Discard, response.Body)

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		return true, nil
	case response.StatusCode == http.StatusUnauthorized:
		return false, nil
	default:
		return false, fmt.Errorf("validate token: unexpected status %d", response.StatusCode)
	}
}

func (a *TwitchAdapter) refreshToken(ctx context.Context, refreshToken string) (string, string, error) {
	if refreshToken == "" {
		return "", "", fmt.Errorf("access token expired and no refresh token stored")
	}
	payload := url.Values{}
	payload.Set("grant_type", "refresh_token")
	payload.Set("refresh_token", refreshToken)
	payload.Set("client_id", a.cfg.ClientID)
	payload.Set("client_secret", a.cfg.ClientSecret)

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.AuthBaseURL+"/oauth2/token", strings.NewReader(payload.Encode()))
	if err != nil {
		return "", "", fmt.Errorf("create refresh request: %w", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Accept", "application/json")

	response, err := a.client.Do(request)
	if err != nil {
		return "", "", fmt.Errorf("refresh token: %w", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return "", "", fmt.Errorf("read refresh response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return "", "", fmt.Errorf("refresh token failed: %s", errorSnippet(body))
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", "", fmt.Errorf("decode refresh response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", "", fmt.Errorf("refresh response missing access_token")
	}
	if parsed.RefreshToken == "" {
		parsed.RefreshToken = refreshToken
	}
	return parsed.AccessToken, parsed.RefreshToken, nil
}

func (a *TwitchAdapter) persistCredentials(channelID string, credentials map[string]string) error {
	sealed, err := a.codec.EncryptFields(credentials, EncryptedFields(models.ProviderTwitch))
	if err != nil {
		return fmt.Errorf("encrypt refreshed credentials: %w", err)
	}
	if _, err := a.store.UpdateChannelCredentials(channelID, sealed); err != nil {
		return fmt.Errorf("persist refreshed credentials: %w", err)
	}
	return nil
}

func (a *TwitchAdapter) fetchStreamKey(ctx context.Context, accessToken, broadcasterID string) (string, error) {
	endpoint := fmt.Sprintf("%s/helix/streams/key?broadcaster_id=%s", a.cfg.APIBaseURL, url.QueryEscape(broadcasterID))
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create stream key request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)
	request.Header.Set("Client-Id", a.cfg.ClientID)

	response, err := a.client.Do(request)
	if err != nil {
		return "", fmt.Errorf("fetch stream key: %w", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return "", fmt.Errorf("read stream key response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return "", fmt.Errorf("stream key request failed: %s", errorSnippet(body))
	}

	var parsed struct {
		Data []struct {
			StreamKey string `json:"stream_key"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode stream key response: %w", err)
	}
	if len(parsed.Data) == 0 || parsed.Data[0].StreamKey == "" {
		return "", fmt.Errorf("stream key response empty")
	}
	return parsed.Data[0].StreamKey, nil
}

func errorSnippet(body []byte) string {
	snippet := string(bytes.TrimSpace(body))
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	return snippet
}
