// Package metrics exposes Prometheus collectors for the relay's HTTP
// surface, ingest sessions, transcoder processes, broadcast fan-out, and
// comment ingestion.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a private Prometheus registry and the collectors the relay
// instruments. Construct one per process and share it across components.
type Recorder struct {
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec

	activeSessions prometheus.Gauge
	framesTotal    prometheus.Counter
	bytesTotal     prometheus.Counter

	activeTranscoders prometheus.Gauge
	transcoderFails   prometheus.Counter

	broadcastStarts *prometheus.CounterVec
	channelStarts   *prometheus.CounterVec
	staleCleanups   prometheus.Counter

	commentsTotal *prometheus.CounterVec
}

// New constructs a Recorder with all collectors registered on a fresh
// registry alongside the standard Go and process collectors.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Recorder{
		registry: registry,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tribecast",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests handled by the control plane.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tribecast",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests handled by the control plane.",
		}, []string{"method", "path", "status"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tribecast",
			Name:      "ingest_sessions_active",
			Help:      "Current number of open ingest sessions.",
		}),
		framesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tribecast",
			Name:      "ingest_frames_total",
			Help:      "Total binary frames forwarded to transcoder stdin.",
		}),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tribecast",
			Name:      "ingest_bytes_total",
			Help:      "Total bytes forwarded to transcoder stdin.",
		}),
		activeTranscoders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tribecast",
			Name:      "transcoder_processes_active",
			Help:      "Current number of running transcoder processes.",
		}),
		transcoderFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tribecast",
			Name:      "transcoder_failures_total",
			Help:      "Transcoder processes that exited with an error.",
		}),
		broadcastStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tribecast",
			Name:      "broadcast_starts_total",
			Help:      "Broadcast start attempts by outcome.",
		}, []string{"outcome"}),
		channelStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tribecast",
			Name:      "broadcast_channel_starts_total",
			Help:      "Per-channel fan-out attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		staleCleanups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tribecast",
			Name:      "broadcast_stale_cleanups_total",
			Help:      "Broadcasts closed by the stale cleanup pass.",
		}),
		commentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tribecast",
			Name:      "comments_ingested_total",
			Help:      "Comments ingested by provider.",
		}, []string{"provider"}),
	}

	registry.MustRegister(
		r.requestDuration,
		r.requestsTotal,
		r.activeSessions,
		r.framesTotal,
		r.bytesTotal,
		r.activeTranscoders,
		r.transcoderFails,
		r.broadcastStarts,
		r.channelStarts,
		r.staleCleanups,
		r.commentsTotal,
	)
	return r
}

// ObserveRequest records one completed HTTP request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": strings.ToUpper(method),
		"path":   normalizePath(path),
		"status": strconv.Itoa(status),
	}
	r.requestsTotal.With(labels).Inc()
	r.requestDuration.With(labels).Observe(duration.Seconds())
}

// SessionOpened increments the active ingest session gauge.
func (r *Recorder) SessionOpened() { r.activeSessions.Inc() }

// SessionClosed decrements the active ingest session gauge.
func (r *Recorder) SessionClosed() { r.activeSessions.Dec() }

// FrameForwarded records one binary frame of the given size written to a
// transcoder.
func (r *Recorder) FrameForwarded(bytes int) {
	r.framesTotal.Inc()
	r.bytesTotal.Add(float64(bytes))
}

// TranscoderStarted increments the running transcoder gauge.
func (r *Recorder) TranscoderStarted() { r.activeTranscoders.Inc() }

// TranscoderStopped decrements the running transcoder gauge and records a
// failure when the process exited abnormally.
func (r *Recorder) TranscoderStopped(failed bool) {
	r.activeTranscoders.Dec()
	if failed {
		r.transcoderFails.Inc()
	}
}

// BroadcastStarted records a broadcast start attempt outcome.
func (r *Recorder) BroadcastStarted(outcome string) {
	r.broadcastStarts.WithLabelValues(normalizeName(outcome)).Inc()
}

// ChannelStarted records a per-channel fan-out outcome for the provider.
func (r *Recorder) ChannelStarted(provider, outcome string) {
	r.channelStarts.WithLabelValues(normalizeName(provider), normalizeName(outcome)).Inc()
}

// StaleBroadcastClosed records one broadcast ended by the cleanup pass.
func (r *Recorder) StaleBroadcastClosed() { r.staleCleanups.Inc() }

// CommentIngested records a comment received from the given provider.
func (r *Recorder) CommentIngested(provider string) {
	r.commentsTotal.WithLabelValues(normalizeName(provider)).Inc()
}

// Handler serves the registry in Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gather exposes the underlying registry for tests.
func (r *Recorder) Gather() prometheus.Gatherer {
	return r.registry
}

// normalizePath collapses identifier-looking path segments so the path label
// keeps bounded cardinality.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
