package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tribecast/internal/comments"
	"tribecast/internal/models"
	"tribecast/internal/secrets"
)

func newTestCodec(t *testing.T) *secrets.Codec {
	t.Helper()
	codec, err := secrets.NewCodec("unit-test-secret")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return codec
}

func sealCredentials(t *testing.T, codec *secrets.Codec, provider models.ChannelProvider, credentials map[string]string) map[string]string {
	t.Helper()
	sealed, err := codec.EncryptFields(credentials, EncryptedFields(provider))
	if err != nil {
		t.Fatalf("EncryptFields: %v", err)
	}
	return sealed
}

type fakeCredentialStore struct {
	mu      sync.Mutex
	updates []map[string]string
}

func (s *fakeCredentialStore) UpdateChannelCredentials(id string, credentials map[string]string) (models.StreamChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, credentials)
	return models.StreamChannel{ID: id, Credentials: credentials}, nil
}

func (s *fakeCredentialStore) lastUpdate() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates) == 0 {
		return nil
	}
	return s.updates[len(s.updates)-1]
}

func TestJoinEndpoint(t *testing.T) {
	got := joinEndpoint(" rtmp://live.example.com/app ", " abc123 ")
	if got != "rtmp://live.example.com/app/abc123" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}

func TestCustomRTMPStart(t *testing.T) {
	codec := newTestCodec(t)
	adapter := NewCustomRTMPAdapter(codec)

	channel := models.StreamChannel{
		ID:       "chan-1",
		Provider: models.ProviderCustomRTMP,
		Credentials: sealCredentials(t, codec, models.ProviderCustomRTMP, map[string]string{
			CredentialRTMPURL:   "rtmp://origin.example.com/live",
			CredentialStreamKey: "sekrit",
		}),
	}
	start, err := adapter.Start(context.Background(), "bcast-1", channel, "Show")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if start == nil {
		t.Fatal("expected a channel start")
	}
	if start.Endpoint != "rtmp://origin.example.com/live/sekrit" {
		t.Fatalf("unexpected endpoint %q", start.Endpoint)
	}
}

func TestCustomRTMPFallsBackToCurrentEndpoint(t *testing.T) {
	codec := newTestCodec(t)
	adapter := NewCustomRTMPAdapter(codec)

	channel := models.StreamChannel{
		ID:              "chan-1",
		Provider:        models.ProviderCustomRTMP,
		CurrentEndpoint: "rtmp://fallback.example.com/live",
		Credentials: sealCredentials(t, codec, models.ProviderCustomRTMP, map[string]string{
			CredentialStreamKey: "sekrit",
		}),
	}
	start, err := adapter.Start(context.Background(), "bcast-1", channel, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if start == nil || start.Endpoint != "rtmp://fallback.example.com/live/sekrit" {
		t.Fatalf("unexpected start %+v", start)
	}
}

func TestCustomRTMPUsesEndpointWithoutKey(t *testing.T) {
	codec := newTestCodec(t)
	adapter := NewCustomRTMPAdapter(codec)

	channel := models.StreamChannel{
		ID:              "chan-1",
		Provider:        models.ProviderCustomRTMP,
		CurrentEndpoint: "rtmp://example.com/live/key1",
	}
	start, err := adapter.Start(context.Background(), "bcast-1", channel, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if start == nil || start.Endpoint != "rtmp://example.com/live/key1" {
		t.Fatalf("unexpected start %+v", start)
	}
}

func TestCustomRTMPSkipsWithoutEndpoint(t *testing.T) {
	codec := newTestCodec(t)
	adapter := NewCustomRTMPAdapter(codec)

	channel := models.StreamChannel{
		ID:       "chan-1",
		Provider: models.ProviderCustomRTMP,
		Credentials: sealCredentials(t, codec, models.ProviderCustomRTMP, map[string]string{
			CredentialStreamKey: "sekrit",
		}),
	}
	start, err := adapter.Start(context.Background(), "bcast-1", channel, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if start != nil {
		t.Fatalf("expected skip, got %+v", start)
	}
}

func TestTwitchStartWithValidToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "OAuth live-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/helix/streams/key", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("broadcaster_id") != "47" {
			http.Error(w, "wrong broadcaster", http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "Bearer live-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"stream_key": "live_47_key"}},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	codec := newTestCodec(t)
	store := &fakeCredentialStore{}
	adapter := NewTwitchAdapter(TwitchConfig{
		ClientID:      "client",
		ClientSecret:  "secret",
		AuthBaseURL:   server.URL,
		APIBaseURL:    server.URL,
		IngestBaseURL: "rtmp://ingest.example.com/app",
	}, codec, store, server.Client(), nil)

	channel := models.StreamChannel{
		ID:         "chan-1",
		Provider:   models.ProviderTwitch,
		ExternalID: "47",
		Credentials: sealCredentials(t, codec, models.ProviderTwitch, map[string]string{
			CredentialAccessToken:  "live-token",
			CredentialRefreshToken: "refresh-token",
			CredentialLogin:        "streamer",
		}),
	}
	start, err := adapter.Start(context.Background(), "bcast-1", channel, "Show")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if start == nil {
		t.Fatal("expected a channel start")
	}
	if start.Endpoint != "rtmp://ingest.example.com/app/live_47_key" {
		t.Fatalf("unexpected endpoint %q", start.Endpoint)
	}
	if start.ExternalChatID != "streamer" {
		t.Fatalf("unexpected chat id %q", start.ExternalChatID)
	}
	if len(store.updates) != 0 {
		t.Fatalf("expected no credential updates, got %d", len(store.updates))
	}
}

func TestTwitchStartRefreshesExpiredToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("refresh_token") != "old-refresh" {
			http.Error(w, "wrong refresh token", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  "fresh-token",
			"refresh_token": "fresh-refresh",
		})
	})
	mux.HandleFunc("/helix/streams/key", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"stream_key": "rotated_key"}},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	codec := newTestCodec(t)
	store := &fakeCredentialStore{}
	adapter := NewTwitchAdapter(TwitchConfig{
		AuthBaseURL:   server.URL,
		APIBaseURL:    server.URL,
		IngestBaseURL: "rtmp://ingest.example.com/app",
	}, codec, store, server.Client(), nil)

	channel := models.StreamChannel{
		ID:         "chan-1",
		Provider:   models.ProviderTwitch,
		ExternalID: "47",
		Credentials: sealCredentials(t, codec, models.ProviderTwitch, map[string]string{
			CredentialAccessToken:  "stale-token",
			CredentialRefreshToken: "old-refresh",
		}),
	}
	start, err := adapter.Start(context.Background(), "bcast-1", channel, "Show")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if start == nil || start.Endpoint != "rtmp://ingest.example.com/app/rotated_key" {
		t.Fatalf("unexpected start %+v", start)
	}

	persisted := store.lastUpdate()
	if persisted == nil {
		t.Fatal("expected refreshed credentials to be persisted")
	}
	if !strings.HasPrefix(persisted[CredentialAccessToken], "enc:") {
		t.Fatalf("persisted access token is not encrypted: %q", persisted[CredentialAccessToken])
	}
	opened, err := codec.DecryptFields(persisted, EncryptedFields(models.ProviderTwitch))
	if err != nil {
		t.Fatalf("DecryptFields: %v", err)
	}
	if opened[CredentialAccessToken] != "fresh-token" || opened[CredentialRefreshToken] != "fresh-refresh" {
		t.Fatalf("unexpected persisted credentials %+v", opened)
	}
}

func TestTwitchStartSkipsWithoutCredentials(t *testing.T) {
	codec := newTestCodec(t)
	adapter := NewTwitchAdapter(TwitchConfig{}, codec, &fakeCredentialStore{}, nil, nil)

	channel := models.StreamChannel{ID: "chan-1", Provider: models.ProviderTwitch}
	start, err := adapter.Start(context.Background(), "bcast-1", channel, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if start != nil {
		t.Fatalf("expected skip, got %+v", start)
	}
}

func TestTwitchStartReportsAPIFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/helix/streams/key", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Forbidden"}`, http.StatusForbidden)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	codec := newTestCodec(t)
	adapter := NewTwitchAdapter(TwitchConfig{
		AuthBaseURL: server.URL,
		APIBaseURL:  server.URL,
	}, codec, &fakeCredentialStore{}, server.Client(), nil)

	channel := models.StreamChannel{
		ID:         "chan-1",
		Provider:   models.ProviderTwitch,
		ExternalID: "47",
		Credentials: sealCredentials(t, codec, models.ProviderTwitch, map[string]string{
			CredentialAccessToken: "live-token",
		}),
	}
	if _, err := adapter.Start(context.Background(), "bcast-1", channel, ""); err == nil {
		t.Fatal("expected an error from the stream key request")
	}
}

func newYouTubeStub(t *testing.T, requireToken string, fail401Once bool) (*httptest.Server, *int) {
	t.Helper()
	var unauthorizedServed bool
	bindCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/liveBroadcasts", func(w http.ResponseWriter, r *http.Request) {
		if fail401Once && !unauthorizedServed {
			unauthorizedServed = true
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+requireToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var payload struct {
			Snippet struct {
				Title string `json:"title"`
			} `json:"snippet"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if payload.Snippet.Title == "" {
			http.Error(w, "missing title", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "yt-broadcast",
			"snippet": map[string]string{"liveChatId": "yt-chat"},
		})
	})
	mux.HandleFunc("/liveStreams", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+requireToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id": "yt-stream",
			"cdn": map[string]any{
				"ingestionInfo": map[string]string{
					"ingestionAddress": "rtmp://a.rtmp.youtube.com/live2",
					"streamName":       "yt-key",
				},
			},
		})
	})
	mux.HandleFunc("/liveBroadcasts/bind", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("id") != "yt-broadcast" || query.Get("streamId") != "yt-stream" {
			http.Error(w, "wrong bind target", http.StatusBadRequest)
			return
		}
		bindCalls++
		json.NewEncoder(w).Encode(map[string]string{"id": "yt-broadcast"})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("refresh_token") != "yt-refresh" {
			http.Error(w, "wrong refresh token", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": requireToken})
	})
	return httptest.NewServer(mux), &bindCalls
}

func TestYouTubeStart(t *testing.T) {
	server, bindCalls := newYouTubeStub(t, "yt-token", false)
	defer server.Close()

	codec := newTestCodec(t)
	store := &fakeCredentialStore{}
	adapter := NewYouTubeAdapter(YouTubeConfig{
		APIBaseURL: server.URL,
		TokenURL:   server.URL + "/token",
	}, codec, store, server.Client(), nil)

	channel := models.StreamChannel{
		ID:       "chan-1",
		Provider: models.ProviderYouTube,
		Credentials: sealCredentials(t, codec, models.ProviderYouTube, map[string]string{
			CredentialAccessToken:  "yt-token",
			CredentialRefreshToken: "yt-refresh",
		}),
	}
	start, err := adapter.Start(context.Background(), "bcast-1", channel, "Launch day")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if start == nil {
		t.Fatal("expected a channel start")
	}
	if start.Endpoint != "rtmp://a.rtmp.youtube.com/live2/yt-key" {
		t.Fatalf("unexpected endpoint %q", start.Endpoint)
	}
	if start.ExternalBroadcastID != "yt-broadcast" || start.ExternalStreamID != "yt-stream" || start.ExternalChatID != "yt-chat" {
		t.Fatalf("unexpected external ids %+v", start)
	}
	if *bindCalls != 1 {
		t.Fatalf("expected one bind call, got %d", *bindCalls)
	}
}

func TestYouTubeStartRefreshesOnUnauthorized(t *testing.T) {
	server, _ := newYouTubeStub(t, "fresh-yt-token", true)
	defer server.Close()

	codec := newTestCodec(t)
	store := &fakeCredentialStore{}
	adapter := NewYouTubeAdapter(YouTubeConfig{
		APIBaseURL: server.URL,
		TokenURL:   server.URL + "/token",
	}, codec, store, server.Client(), nil)

	channel := models.StreamChannel{
		ID:       "chan-1",
		Provider: models.ProviderYouTube,
		Credentials: sealCredentials(t, codec, models.ProviderYouTube, map[string]string{
			CredentialAccessToken:  "stale-yt-token",
			CredentialRefreshToken: "yt-refresh",
		}),
	}
	start, err := adapter.Start(context.Background(), "bcast-1", channel, "Launch day")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if start == nil || start.ExternalBroadcastID != "yt-broadcast" {
		t.Fatalf("unexpected start %+v", start)
	}

	persisted := store.lastUpdate()
	if persisted == nil {
		t.Fatal("expected refreshed credentials to be persisted")
	}
	opened, err := codec.DecryptFields(persisted, EncryptedFields(models.ProviderYouTube))
	if err != nil {
		t.Fatalf("DecryptFields: %v", err)
	}
	if opened[CredentialAccessToken] != "fresh-yt-token" {
		t.Fatalf("unexpected persisted token %q", opened[CredentialAccessToken])
	}
}

func TestYouTubeStartFailsHard(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/liveBroadcasts", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "yt-broadcast",
			"snippet": map[string]string{"liveChatId": "yt-chat"},
		})
	})
	mux.HandleFunc("/liveStreams", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"quotaExceeded"}`, http.StatusForbidden)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	codec := newTestCodec(t)
	adapter := NewYouTubeAdapter(YouTubeConfig{
		APIBaseURL: server.URL,
		TokenURL:   server.URL + "/token",
	}, codec, &fakeCredentialStore{}, server.Client(), nil)

	channel := models.StreamChannel{
		ID:       "chan-1",
		Provider: models.ProviderYouTube,
		Credentials: sealCredentials(t, codec, models.ProviderYouTube, map[string]string{
			CredentialAccessToken: "yt-token",
		}),
	}
	if _, err := adapter.Start(context.Background(), "bcast-1", channel, ""); err == nil {
		t.Fatal("expected a hard error on live stream insert failure")
	}
}

func TestYouTubeChatPoll(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/liveChat/messages", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("liveChatId") != "yt-chat" {
			http.Error(w, "wrong chat id", http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "Bearer yt-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"nextPageToken":         "page-2",
			"pollingIntervalMillis": 1200,
			"items": []map[string]any{
				{
					"id": "msg-1",
					"snippet": map[string]any{
						"displayMessage": "hello from yt",
						"publishedAt":    "2026-08-29T12:00:00Z",
					},
					"authorDetails": map[string]any{
						"displayName":     "Viewer",
						"isChatModerator": true,
					},
				},
			},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	queue := comments.NewMemoryQueue(8)
	sub := queue.Subscribe()
	defer sub.Close()

	token := func(ctx context.Context) (string, error) { return "yt-token", nil }
	listener := NewYouTubeChatListener(server.URL, "yt-chat", "bchan-1", token, queue, server.Client(), nil)

	next, interval, err := listener.poll(context.Background(), "")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if next != "page-2" {
		t.Fatalf("unexpected page token %q", next)
	}
	if interval != 1200*time.Millisecond {
		t.Fatalf("unexpected interval %v", interval)
	}

	select {
	case comment := <-sub.Comments():
		if comment.ID != "msg-1" || comment.Provider != "youtube" || comment.BroadcastChannelID != "bchan-1" {
			t.Fatalf("unexpected comment %+v", comment)
		}
		if comment.Name != "Viewer" || !comment.IsAdmin || comment.Content != "hello from yt" {
			t.Fatalf("unexpected comment %+v", comment)
		}
	case <-time.After(time.Second):
		t.Fatal("no comment published")
	}
}

func TestParseIRCLine(t *testing.T) {
	cases := []struct {
		name     string
		line     string
		command  string
		trailing string
		tags     map[string]string
		prefix   string
	}{
		{
			name:     "ping",
			line:     "PING :tmi.twitch.tv",
			command:  "PING",
			trailing: "tmi.twitch.tv",
		},
		{
			name:     "tagged privmsg",
			line:     "@badges=moderator/1;display-name=Viewer;id=abc;mod=1;tmi-sent-ts=1700000000000 :viewer!viewer@viewer.tmi.twitch.tv PRIVMSG #streamer :hello chat",
			command:  "PRIVMSG",
			trailing: "hello chat",
			prefix:   "viewer!viewer@viewer.tmi.twitch.tv",
			tags: map[string]string{
				"badges":       "moderator/1",
				"display-name": "Viewer",
				"id":           "abc",
				"mod":          "1",
				"tmi-sent-ts":  "1700000000000",
			},
		},
		{
			name:    "join without trailing",
			line:    ":viewer!viewer@viewer.tmi.twitch.tv JOIN #streamer",
			command: "JOIN",
			prefix:  "viewer!viewer@viewer.tmi.twitch.tv",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := parseIRCLine(tc.line)
			if msg.command != tc.command {
				t.Fatalf("command = %q, want %q", msg.command, tc.command)
			}
			if msg.trailing != tc.trailing {
				t.Fatalf("trailing = %q, want %q", msg.trailing, tc.trailing)
			}
			if msg.prefix != tc.prefix {
				t.Fatalf("prefix = %q, want %q", msg.prefix, tc.prefix)
			}
			for key, want := range tc.tags {
				if got := msg.tags[key]; got != want {
					t.Fatalf("tag %q = %q, want %q", key, got, want)
				}
			}
		})
	}
}

func TestIRCMessageHelpers(t *testing.T) {
	msg := parseIRCLine("@badges=broadcaster/1;display-name=Host;tmi-sent-ts=1700000000000 :host!host@host.tmi.twitch.tv PRIVMSG #host :hi")
	if msg.displayName() != "Host" {
		t.Fatalf("displayName = %q", msg.displayName())
	}
	if !msg.fromModerator() {
		t.Fatal("expected broadcaster badge to count as moderator")
	}
	if got := msg.sentAt(); !got.Equal(time.UnixMilli(1700000000000).UTC()) {
		t.Fatalf("sentAt = %v", got)
	}

	bare := parseIRCLine(":plain!plain@plain.tmi.twitch.tv PRIVMSG #host :hi")
	if bare.displayName() != "plain" {
		t.Fatalf("displayName fallback = %q", bare.displayName())
	}
	if bare.fromModerator() {
		t.Fatal("expected untagged message to not be moderator")
	}
}

func TestRegistryLookup(t *testing.T) {
	codec := newTestCodec(t)
	registry := NewRegistry(NewCustomRTMPAdapter(codec), nil)

	if _, ok := registry.Lookup(models.ProviderCustomRTMP); !ok {
		t.Fatal("expected custom_rtmp adapter")
	}
	if _, ok := registry.Lookup(models.ProviderTwitch); ok {
		t.Fatal("did not expect a twitch adapter")
	}
}
