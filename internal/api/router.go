package api

import (
	"log/slog"
	"net/http"

	"tribecast/internal/observability/logging"
	"tribecast/internal/observability/metrics"
)

// RouterConfig wires the control-plane router.
type RouterConfig struct {
	Handler *Handler
	// Ingest terminates GET /v1/ingest; usually the ingest controller.
	Ingest http.Handler
	// IngestRateRPS limits ingest handshakes per remote IP. Zero disables.
	IngestRateRPS   float64
	IngestRateBurst int
	Metrics         *metrics.Recorder
	Logger          *slog.Logger
}

// NewRouter assembles the HTTP surface: public health and metrics, the
// admin-guarded token mint, profile-scoped control-plane routes, and the
// rate-limited ingest upgrade endpoint.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := cfg.Handler
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics.Handler())
	}
	mux.Handle("/v1/tokens", AdminAuth(handler.AdminKey, http.HandlerFunc(handler.IssueToken)))

	protected := func(h http.HandlerFunc) http.Handler {
		return BearerAuth(handler.Tokens, h)
	}
	mux.Handle("/v1/channels", protected(handler.Channels))
	mux.Handle("/v1/channels/", protected(handler.ChannelByID))
	mux.Handle("/v1/broadcasts", protected(handler.Broadcasts))
	mux.Handle("/v1/broadcasts/", protected(handler.BroadcastByID))
	mux.Handle("/v1/broadcast-channels/", protected(handler.BroadcastChannelComments))

	if cfg.Ingest != nil {
		limiter := NewIPRateLimiter(cfg.IngestRateRPS, cfg.IngestRateBurst)
		mux.Handle("/v1/ingest", RateLimitMiddleware(limiter, cfg.Ingest))
	}

	chain := http.Handler(mux)
	if cfg.Metrics != nil {
		chain = metrics.HTTPMiddleware(cfg.Metrics, chain)
	}
	chain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(chain)
	chain = RequestIDMiddleware(chain)
	return chain
}
