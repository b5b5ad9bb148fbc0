package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tribecast/internal/auth"
	"tribecast/internal/broadcast"
	"tribecast/internal/models"
	"tribecast/internal/provider"
	"tribecast/internal/secrets"
	"tribecast/internal/storage"
	"tribecast/internal/transcode"
)

type stubProcess struct {
	done chan struct{}
	once sync.Once
}

func (p *stubProcess) Write(b []byte) (int, error) { return len(b), nil }

func (p *stubProcess) Terminate() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *stubProcess) Done() <-chan struct{} { return p.done }

func (p *stubProcess) Err() error { return nil }

type stubRunner struct{}

func (stubRunner) Spawn(ctx context.Context, broadcastID string, endpoints []string) (transcode.Process, error) {
	return &stubProcess{done: make(chan struct{})}, nil
}

type testEnv struct {
	server *httptest.Server
	store  *storage.Storage
	tokens *auth.TokenService
	codec  *secrets.Codec
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "data.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	codec, err := secrets.NewCodec("api-test-secret")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	tokens, err := auth.NewTokenService("api-test-signing-key", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	registry := provider.NewRegistry(provider.NewCustomRTMPAdapter(codec))
	coordinator := broadcast.NewCoordinator(store, registry, stubRunner{}, nil, nil, nil)
	t.Cleanup(coordinator.Close)

	handler := &Handler{
		Store:       store,
		Coordinator: coordinator,
		Tokens:      tokens,
		Codec:       codec,
		AdminKey:    "test-admin-key",
		FFmpegPath:  "sh",
	}
	server := httptest.NewServer(NewRouter(RouterConfig{Handler: handler}))
	t.Cleanup(server.Close)
	return &testEnv{server: server, store: store, tokens: tokens, codec: codec}
}

func (e *testEnv) request(t *testing.T, method, path, token string, payload interface{}) *http.Response {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewBuffer(encoded)
	} else {
		body = bytes.NewBuffer(nil)
	}
	request, err := http.NewRequest(method, e.server.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := e.server.Client().Do(request)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return response
}

func (e *testEnv) profileToken(t *testing.T, profileID string) string {
	t.Helper()
	token, err := e.tokens.Issue(profileID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token
}

func decodeBody(t *testing.T, response *http.Response, dest interface{}) {
	t.Helper()
	defer response.Body.Close()
	if err := json.NewDecoder(response.Body).Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestIssueTokenRequiresAdminKey(t *testing.T) {
	env := newTestEnv(t)

	response := env.request(t, http.MethodPost, "/v1/tokens", "", map[string]string{"profileId": "profile-1"})
	response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without key = %d", response.StatusCode)
	}

	request, _ := http.NewRequest(http.MethodPost, env.server.URL+"/v1/tokens", strings.NewReader(`{"profileId":"profile-1"}`))
	request.Header.Set("X-Api-Key", "test-admin-key")
	response, err := env.server.Client().Do(request)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("status with key = %d", response.StatusCode)
	}
	var payload struct {
		Token string `json:"token"`
	}
	decodeBody(t, response, &payload)
	profileID, err := env.tokens.Verify(payload.Token)
	if err != nil || profileID != "profile-1" {
		t.Fatalf("minted token did not verify: %q %v", profileID, err)
	}
}

func TestChannelsRequireBearerToken(t *testing.T) {
	env := newTestEnv(t)
	response := env.request(t, http.MethodGet, "/v1/channels", "", nil)
	response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", response.StatusCode)
	}
}

func TestRegisterChannelEncryptsAndRedactsCredentials(t *testing.T) {
	env := newTestEnv(t)
	token := env.profileToken(t, "profile-1")

	response := env.request(t, http.MethodPost, "/v1/channels", token, map[string]interface{}{
		"provider": "custom_rtmp",
		"endpoint": "rtmp://origin.example.com/live",
		"credentials": map[string]string{
			"rtmp_url":   "rtmp://origin.example.com/live",
			"stream_key": "sekrit",
		},
	})
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", response.StatusCode)
	}
	var created models.StreamChannel
	decodeBody(t, response, &created)
	if created.Credentials != nil {
		t.Fatalf("credentials leaked in response: %v", created.Credentials)
	}

	stored, ok := env.store.GetChannel(created.ID)
	if !ok {
		t.Fatal("channel not stored")
	}
	if !strings.HasPrefix(stored.Credentials["stream_key"], "enc:") {
		t.Fatalf("stream key stored in the clear: %q", stored.Credentials["stream_key"])
	}
	opened, err := env.codec.DecryptFields(stored.Credentials, provider.EncryptedFields(models.ProviderCustomRTMP))
	if err != nil {
		t.Fatalf("DecryptFields: %v", err)
	}
	if opened["stream_key"] != "sekrit" {
		t.Fatalf("round-trip mismatch: %q", opened["stream_key"])
	}
}

func TestRegisterChannelRejectsDuplicateEndpoint(t *testing.T) {
	env := newTestEnv(t)
	token := env.profileToken(t, "profile-1")

	payload := map[string]interface{}{
		"provider":    "custom_rtmp",
		"endpoint":    "rtmp://origin.example.com/live",
		"credentials": map[string]string{"stream_key": "sekrit"},
	}
	first := env.request(t, http.MethodPost, "/v1/channels", token, payload)
	first.Body.Close()
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("first register status = %d", first.StatusCode)
	}
	second := env.request(t, http.MethodPost, "/v1/channels", token, payload)
	second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register status = %d, want 409", second.StatusCode)
	}
}

func TestBroadcastLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	token := env.profileToken(t, "profile-1")

	register := env.request(t, http.MethodPost, "/v1/channels", token, map[string]interface{}{
		"provider":    "custom_rtmp",
		"endpoint":    "rtmp://origin.example.com/live",
		"credentials": map[string]string{"stream_key": "sekrit"},
	})
	register.Body.Close()

	start := env.request(t, http.MethodPost, "/v1/broadcasts", token, map[string]string{"title": "Launch"})
	if start.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d", start.StatusCode)
	}
	var started struct {
		Broadcast models.StreamBroadcast `json:"broadcast"`
		Endpoints []string               `json:"endpoints"`
	}
	decodeBody(t, start, &started)
	if len(started.Endpoints) != 1 || started.Endpoints[0] != "rtmp://origin.example.com/live/sekrit" {
		t.Fatalf("unexpected endpoints %v", started.Endpoints)
	}

	again := env.request(t, http.MethodPost, "/v1/broadcasts", token, map[string]string{"title": "Second"})
	again.Body.Close()
	if again.StatusCode != http.StatusConflict {
		t.Fatalf("second start status = %d, want 409", again.StatusCode)
	}

	stop := env.request(t, http.MethodPost, fmt.Sprintf("/v1/broadcasts/%s/stop", started.Broadcast.ID), token, nil)
	if stop.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", stop.StatusCode)
	}
	var stopped models.StreamBroadcast
	decodeBody(t, stop, &stopped)
	if stopped.EndedAt == nil {
		t.Fatal("expected endedAt to be set")
	}
}

func TestBroadcastIsScopedToProfile(t *testing.T) {
	env := newTestEnv(t)
	owner := env.profileToken(t, "profile-1")
	intruder := env.profileToken(t, "profile-2")

	start := env.request(t, http.MethodPost, "/v1/broadcasts", owner, map[string]string{"title": "Private"})
	var started struct {
		Broadcast models.StreamBroadcast `json:"broadcast"`
	}
	decodeBody(t, start, &started)

	response := env.request(t, http.MethodGet, "/v1/broadcasts/"+started.Broadcast.ID, intruder, nil)
	response.Body.Close()
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-profile read status = %d, want 404", response.StatusCode)
	}
}

func TestCommentsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	token := env.profileToken(t, "profile-1")

	broadcastRow, err := env.store.CreateBroadcast(storage.CreateBroadcastParams{ProfileID: "profile-1", Title: "Show"})
	if err != nil {
		t.Fatalf("CreateBroadcast: %v", err)
	}
	channel, err := env.store.CreateChannel(storage.CreateChannelParams{ProfileID: "profile-1", Provider: models.ProviderTwitch})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	link, err := env.store.CreateBroadcastChannel(storage.CreateBroadcastChannelParams{
		BroadcastID: broadcastRow.ID,
		ChannelID:   channel.ID,
	})
	if err != nil {
		t.Fatalf("CreateBroadcastChannel: %v", err)
	}
	if _, err := env.store.CreateComment(storage.CreateCommentParams{
		ID:                 "c-1",
		BroadcastChannelID: link.ID,
		Name:               "Viewer",
		Content:            "hello",
		PublishedAt:        time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateComment: %v", err)
	}

	response := env.request(t, http.MethodGet, "/v1/broadcast-channels/"+link.ID+"/comments", token, nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("comments status = %d", response.StatusCode)
	}
	var comments []models.StreamBroadcastComment
	decodeBody(t, response, &comments)
	if len(comments) != 1 || comments[0].Content != "hello" {
		t.Fatalf("unexpected comments %+v", comments)
	}

	badLimit := env.request(t, http.MethodGet, "/v1/broadcast-channels/"+link.ID+"/comments?limit=0", token, nil)
	badLimit.Body.Close()
	if badLimit.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", badLimit.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	response, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", response.StatusCode)
	}
	var payload struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	decodeBody(t, response, &payload)
	if payload.Status != "ok" || payload.Components["datastore"] != "ok" {
		t.Fatalf("unexpected health payload %+v", payload)
	}
}

func TestIPRateLimiter(t *testing.T) {
	limiter := NewIPRateLimiter(1, 2)
	if !limiter.Allow("10.0.0.1:4000") || !limiter.Allow("10.0.0.1:4001") {
		t.Fatal("burst should be allowed")
	}
	if limiter.Allow("10.0.0.1:4002") {
		t.Fatal("third immediate request should be limited")
	}
	if !limiter.Allow("10.0.0.2:4000") {
		t.Fatal("other hosts have their own bucket")
	}
}
