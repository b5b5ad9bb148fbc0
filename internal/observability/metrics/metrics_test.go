package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecorderExposesCounters(t *testing.T) {
	rec := New()
	rec.ObserveRequest("get", "/v1/broadcasts", http.StatusOK, 25*time.Millisecond)
	rec.SessionOpened()
	rec.FrameForwarded(4096)
	rec.ChannelStarted("twitch", "started")
	rec.CommentIngested("twitch")

	server := httptest.NewServer(rec.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("scrape metrics: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	body := string(raw)
	for _, want := range []string{
		"tribecast_http_requests_total",
		"tribecast_ingest_sessions_active 1",
		"tribecast_ingest_frames_total 1",
		"tribecast_ingest_bytes_total 4096",
		`tribecast_broadcast_channel_starts_total{outcome="started",provider="twitch"} 1`,
		`tribecast_comments_ingested_total{provider="twitch"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition missing %q:\n%s", want, body)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/":                                      "/",
		"/v1/broadcasts":                         "/v1/broadcasts",
		"/v1/broadcasts/b-123-456":               "/v1/broadcasts/:id",
		"/v1/channels/0195f7aa33cd7d2a/comments": "/v1/channels/:id/comments",
	}
	for input, want := range cases {
		if got := normalizePath(input); got != want {
			t.Fatalf("normalizePath(%q) = %q, want %q", input, got, want)
		}
	}
}
