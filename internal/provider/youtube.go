package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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

// YouTubeConfig wires the YouTube application and endpoint overrides.
type YouTubeConfig struct {
	ClientID     string
	ClientSecret string
	APIBaseURL   string
	TokenURL     string
}

const (
	defaultYouTubeAPIBase  = "https://www.googleapis.com/youtube/v3"
	defaultYouTubeTokenURL = "https://oauth2.googleapis.com/token"
)

// YouTubeAdapter provisions a live broadcast on YouTube: it inserts a
// liveBroadcast and a liveStream, binds them, and resolves the ingestion
// endpoint. Unlike the other adapters every API failure here is a hard
// error; a half-provisioned YouTube broadcast must not be recorded.
type YouTubeAdapter struct {
	cfg    YouTubeConfig
	client *http.Client
	codec  *secrets.Codec
	store  CredentialStore
	logger *slog.Logger
}

// NewYouTubeAdapter constructs the adapter.
func NewYouTubeAdapter(cfg YouTubeConfig, codec *secrets.Codec, store CredentialStore, client *http.Client, logger *slog.Logger) *YouTubeAdapter {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultYouTubeAPIBase
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultYouTubeTokenURL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &YouTubeAdapter{cfg: cfg, client: client, codec: codec, store: store, logger: logger}
}

func (a *YouTubeAdapter) Provider() models.ChannelProvider {
	return models.ProviderYouTube
}

func (a *YouTubeAdapter) Start(ctx context.Context, broadcastID string, channel models.StreamChannel, title string) (*ChannelStart, error) {
	credentials, err := a.codec.DecryptFields(channel.Credentials, EncryptedFields(models.ProviderYouTube))
	if err != nil {
		return nil, err
	}

	accessToken := strings.TrimSpace(credentials[CredentialAccessToken])
	refreshToken := strings.TrimSpace(credentials[CredentialRefreshToken])
	if accessToken == "" && refreshToken == "" {
		return nil, nil
	}

	session := &youtubeSession{adapter: a, channelID: channel.ID, credentials: credentials, accessToken: accessToken, refreshToken: refreshToken}

	liveBroadcast, err := session.insertBroadcast(ctx, title)
	if err != nil {
		return nil, err
	}
	liveStream, err := session.insertStream(ctx, title)
	if err != nil {
		return nil, err
	}
	if err := session.bind(ctx, liveBroadcast.ID, liveStream.ID); err != nil {
		return nil, err
	}

	return &ChannelStart{
		Endpoint:            joinEndpoint(liveStream.IngestionAddress, liveStream.StreamName),
		ExternalBroadcastID: liveBroadcast.ID,
		ExternalStreamID:    liveStream.ID,
		ExternalChatID:      liveBroadcast.LiveChatID,
	}, nil
}

// youtubeSession carries the token state for one Start call so a mid-flight
// refresh applies to the remaining requests.
type youtubeSession struct {
	adapter      *YouTubeAdapter
	channelID    string
	credentials  map[string]string
	accessToken  string
	refreshToken string
	refreshed    bool
}

type youtubeBroadcast struct {
	ID         string
	LiveChatID string
}

type youtubeStream struct {
	ID               string
	IngestionAddress string
	StreamName       string
}

func (s *youtubeSession) insertBroadcast(ctx context.Context, title string) (youtubeBroadcast, error) {
	payload := map[string]any{
		"snippet": map[string]any{
			"title":              broadcastTitle(title),
			"scheduledStartTime": time.Now().UTC().Format(time.RFC3339),
		},
		"status": map[string]any{
			"privacyStatus":           "public",
			"selfDeclaredMadeForKids": false,
		},
		"contentDetails": map[string]any{
			"enableAutoStart": true,
			"enableAutoStop":  true,
		},
	}
	body, err := s.post(ctx, "/liveBroadcasts?part=snippet,contentDetails,status", payload)
	if err != nil {
		return youtubeBroadcast{}, fmt.Errorf("insert live broadcast: %w", err)
	}

	var parsed struct {
		ID      string `json:"id"`
		Snippet struct {
			LiveChatID string `json:"liveChatId"`
		} `json:"snippet"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return youtubeBroadcast{}, fmt.Errorf("decode live broadcast response: %w", err)
	}
	if parsed.ID == "" {
		return youtubeBroadcast{}, fmt.Errorf("live broadcast response missing id")
	}
	return youtubeBroadcast{ID: parsed.ID, LiveChatID: parsed.Snippet.LiveChatID}, nil
}

func (s *youtubeSession) insertStream(ctx context.Context, title string) (youtubeStream, error) {
	payload := map[string]any{
		"snippet": map[string]any{
			"title": broadcastTitle(title),
		},
		"cdn": map[string]any{
			"ingestionType": "rtmp",
			"frameRate":     "variable",
			"resolution":    "variable",
		},
	}
	body, err := s.post(ctx, "/liveStreams?part=snippet,cdn", payload)
	if err != nil {
		return youtubeStream{}, fmt.Errorf("insert live stream: %w", err)
	}

	var parsed struct {
		ID  string `json:"id"`
		CDN struct {
			IngestionInfo struct {
				IngestionAddress string `json:"ingestionAddress"`
				StreamName       string `json:"streamName"`
			} `json:"ingestionInfo"`
		} `json:"cdn"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return youtubeStream{}, fmt.Errorf("decode live stream response: %w", err)
	}
	info := parsed.CDN.IngestionInfo
	if parsed.ID == "" || info.IngestionAddress == "" || info.StreamName == "" {
		return youtubeStream{}, fmt.Errorf("live stream response missing ingestion info")
	}
	return youtubeStream{ID: parsed.ID, IngestionAddress: info.IngestionAddress, StreamName: info.StreamName}, nil
}

func (s *youtubeSession) bind(ctx context.Context, broadcastID, streamID string) error {
	path := fmt.Sprintf("/liveBroadcasts/bind?id=%s&part=id&streamId=%s",
		url.QueryEscape(broadcastID), url.QueryEscape(streamID))
	if _, err := s.post(ctx, path, nil); err != nil {
		return fmt.Errorf("bind live broadcast: %w", err)
	}
	return nil
}

func (s *youtubeSession) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := s.doPost(ctx, path, payload)
	if err == nil {
		return body, nil
	}
	if !isUnauthorized(err) || s.refreshed {
		return nil, err
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	return s.doPost(ctx, path, payload)
}

func (s *youtubeSession) doPost(ctx context.Context, path string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.adapter.cfg.APIBaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+s.accessToken)
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := s.adapter.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if response.StatusCode == http.StatusUnauthorized {
		return nil, errUnauthorized
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, fmt.Errorf("request failed: %s", errorSnippet(body))
	}
	return body, nil
}

var errUnauthorized = errors.New("unauthorized")

func isUnauthorized(err error) bool {
	return errors.Is(err, errUnauthorized)
}

func (s *youtubeSession) refresh(ctx context.Context) error {
	if s.refreshToken == "" {
		return fmt.Errorf("access token expired and no refresh token stored")
	}
	payload := url.Values{}
	payload.Set("grant_type", "refresh_token")
	payload.Set("refresh_token", s.refreshToken)
	payload.Set("client_id", s.adapter.cfg.ClientID)
	payload.Set("client_secret", s.adapter.cfg.ClientSecret)

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.adapter.cfg.TokenURL, strings.NewReader(payload.Encode()))
	if err != nil {
		return fmt.Errorf("create refresh request: %w", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Accept", "application/json")

	response, err := s.adapter.client.Do(request)
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("read refresh response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("refresh token failed: %s", errorSnippet(body))
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("decode refresh response: %w", err)
	}
	if parsed.AccessToken == "" {
		return fmt.Errorf("refresh response missing access_token")
	}
	s.accessToken = parsed.AccessToken
	s.refreshed = true

	s.credentials[CredentialAccessToken] = s.accessToken
	sealed, err := s.adapter.codec.EncryptFields(s.credentials, EncryptedFields(models.ProviderYouTube))
	if err != nil {
		return fmt.Errorf("encrypt refreshed credentials: %w", err)
	}
	if _, err := s.adapter.store.UpdateChannelCredentials(s.channelID, sealed); err != nil {
		return fmt.Errorf("persist refreshed credentials: %w", err)
	}
	return nil
}

func broadcastTitle(title string) string {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return "Live broadcast"
	}
	return trimmed
}
