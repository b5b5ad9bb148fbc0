package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"tribecast/internal/auth"
	"tribecast/internal/observability/logging"
)

type contextKey string

const profileKey contextKey = "tribecast.profile"

// ProfileFromContext returns the authenticated profile id.
func ProfileFromContext(ctx context.Context) (string, bool) {
	profileID, ok := ctx.Value(profileKey).(string)
	return profileID, ok && profileID != ""
}

// ContextWithProfile is exported for handler tests.
func ContextWithProfile(ctx context.Context, profileID string) context.Context {
	return context.WithValue(ctx, profileKey, profileID)
}

// BearerAuth rejects requests without a valid profile token and stores the
// profile id in the request context.
func BearerAuth(tokens *auth.TokenService, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, errors.New("bearer token required"))
			return
		}
		profileID, err := tokens.Verify(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, errors.New("invalid token"))
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithProfile(r.Context(), profileID)))
	})
}

// AdminAuth guards endpoints behind the shared admin key.
func AdminAuth(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if adminKey == "" || r.Header.Get("X-Api-Key") != adminKey {
			writeError(w, http.StatusUnauthorized, errors.New("admin key required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestIDMiddleware assigns each request an id, honouring one supplied by
// the caller, and stores it in the context for the request logger.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IPRateLimiter applies a per-remote-IP token bucket, used on the ingest
// handshake so a misbehaving contributor cannot hammer the upgrade path.
type IPRateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter constructs a limiter allowing rps requests per second
// with the given burst per remote IP.
func NewIPRateLimiter(rps float64, burst int) *IPRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &IPRateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		visitors: make(map[string]*visitor),
	}
}

// Allow reports whether the remote address may proceed.
func (l *IPRateLimiter) Allow(remoteAddr string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	l.mu.Lock()
	entry, ok := l.visitors[host]
	if !ok {
		entry = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[host] = entry
		if len(l.visitors) > 1024 {
			l.evictLocked()
		}
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// evictLocked drops visitors idle for more than ten minutes.
func (l *IPRateLimiter) evictLocked() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for host, entry := range l.visitors {
		if entry.lastSeen.Before(cutoff) {
			delete(l.visitors, host)
		}
	}
}

// RateLimitMiddleware rejects over-limit requests with 429.
func RateLimitMiddleware(limiter *IPRateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow(r.RemoteAddr) {
			writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
