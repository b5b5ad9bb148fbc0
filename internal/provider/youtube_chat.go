package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"tribecast/internal/comments"
)

const defaultYouTubePollInterval = 5 * time.Second

// TokenSource resolves a currently valid access token. The coordinator
// supplies one backed by the channel's stored credentials so a token
// refreshed mid-broadcast is picked up on the next poll.
type TokenSource func(ctx context.Context) (string, error)

// YouTubeChatListener polls the liveChat/messages endpoint for one bound
// live chat and publishes every message to the comment queue. YouTube
// assigns stable message IDs, so re-polled pages deduplicate in storage.
type YouTubeChatListener struct {
	apiBase            string
	liveChatID         string
	broadcastChannelID string
	token              TokenSource
	queue              comments.Queue
	client             *http.Client
	logger             *slog.Logger
}

// NewYouTubeChatListener constructs a poller for the given live chat.
func NewYouTubeChatListener(apiBase, liveChatID, broadcastChannelID string, token TokenSource, queue comments.Queue, client *http.Client, logger *slog.Logger) *YouTubeChatListener {
	if apiBase == "" {
		apiBase = defaultYouTubeAPIBase
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &YouTubeChatListener{
		apiBase:            apiBase,
		liveChatID:         liveChatID,
		broadcastChannelID: broadcastChannelID,
		token:              token,
		queue:              queue,
		client:             client,
		logger:             logger.With("component", "youtube-chat", "live_chat_id", liveChatID),
	}
}

// Run polls until the context is cancelled or the chat ends.
func (l *YouTubeChatListener) Run(ctx context.Context) {
	pageToken := ""
	interval := defaultYouTubePollInterval

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		next, wait, err := l.poll(ctx, pageToken)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isChatEnded(err) {
				l.logger.Info("live chat ended")
				return
			}
			l.logger.Warn("chat poll failed", "error", err)
			interval = defaultYouTubePollInterval
			continue
		}
		pageToken = next
		interval = wait
	}
}

func (l *YouTubeChatListener) poll(ctx context.Context, pageToken string) (string, time.Duration, error) {
	token, err := l.token(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("resolve access token: %w", err)
	}

	query := url.Values{}
	query.Set("liveChatId", l.liveChatID)
	query.Set("part", "snippet,authorDetails")
	query.Set("maxResults", "200")
	if pageToken != "" {
		query.Set("pageToken", pageToken)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, l.apiBase+"/liveChat/messages?"+query.Encode(), nil)
	if err != nil {
		return "", 0, fmt.Errorf("create poll request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Accept", "application/json")

	response, err := l.client.Do(request)
	if err != nil {
		return "", 0, fmt.Errorf("poll live chat: %w", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return "", 0, fmt.Errorf("read poll response: %w", err)
	}
	if response.StatusCode == http.StatusForbidden {
		return "", 0, errChatEnded
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return "", 0, fmt.Errorf("poll failed: %s", errorSnippet(body))
	}

	var parsed struct {
		NextPageToken         string `json:"nextPageToken"`
		PollingIntervalMillis int64  `json:"pollingIntervalMillis"`
		OfflineAt             string `json:"offlineAt"`
		Items                 []struct {
			ID      string `json:"id"`
			Snippet struct {
				DisplayMessage string    `json:"displayMessage"`
				PublishedAt    time.Time `json:"publishedAt"`
			} `json:"snippet"`
			AuthorDetails struct {
				DisplayName     string `json:"displayName"`
				IsChatOwner     bool   `json:"isChatOwner"`
				IsChatModerator bool   `json:"isChatModerator"`
			} `json:"authorDetails"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", 0, fmt.Errorf("decode poll response: %w", err)
	}

	for _, item := range parsed.Items {
		if item.Snippet.DisplayMessage == "" {
			continue
		}
		comment := comments.Comment{
			ID:                 item.ID,
			BroadcastChannelID: l.broadcastChannelID,
			Provider:           "youtube",
			Name:               item.AuthorDetails.DisplayName,
			Content:            item.Snippet.DisplayMessage,
			IsAdmin:            item.AuthorDetails.IsChatOwner || item.AuthorDetails.IsChatModerator,
			PublishedAt:        item.Snippet.PublishedAt,
		}
		if err := l.queue.Publish(ctx, comment); err != nil && ctx.Err() == nil {
			l.logger.Warn("publish comment failed", "error", err)
		}
	}

	if parsed.OfflineAt != "" {
		return "", 0, errChatEnded
	}
	interval := defaultYouTubePollInterval
	if parsed.PollingIntervalMillis > 0 {
		interval = time.Duration(parsed.PollingIntervalMillis) * time.Millisecond
	}
	return parsed.NextPageToken, interval, nil
}

var errChatEnded = errors.New("live chat ended")

func isChatEnded(err error) bool {
	return errors.Is(err, errChatEnded)
}
