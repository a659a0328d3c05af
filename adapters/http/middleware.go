package http

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/velariq/tokengate/adapters/metrics"
	"github.com/velariq/tokengate/app"
	"github.com/velariq/tokengate/domain/access"
	"github.com/velariq/tokengate/ports"
)

type ctxKey int

const decisionKey ctxKey = iota

// WithDecision returns a context carrying the request's authorization decision.
func WithDecision(ctx context.Context, d access.Decision) context.Context {
	return context.WithValue(ctx, decisionKey, d)
}

// DecisionFrom returns the decision stored by the auth middleware.
func DecisionFrom(ctx context.Context) (access.Decision, bool) {
	d, ok := ctx.Value(decisionKey).(access.Decision)
	return d, ok
}

// extractAPIKey extracts the API key from the request.
// Supports: X-API-Key header and Authorization header (Bearer token).
func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// clientIP returns the caller's address without port. chi's RealIP has
// already folded X-Forwarded-For and X-Real-IP into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func internalPath(path string) bool {
	return strings.HasPrefix(path, "/health") || path == "/metrics" ||
		strings.HasPrefix(path, "/swagger") || strings.HasPrefix(path, "/.well-known")
}

// NewLoggingMiddleware creates a new logging middleware.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			// Skip logging for health checks and metrics
			if internalPath(r.URL.Path) {
				return
			}

			event := logger.Info()
			if ww.Status() >= 500 {
				event = logger.Warn()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("remote_ip", clientIP(r)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

// NewMetricsMiddleware creates middleware that records request metrics.
func NewMetricsMiddleware(m *metrics.Collector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if internalPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := metrics.StatusClass(ww.Status())
			path := metrics.NormalizePath(r.URL.Path)

			m.RequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			m.RequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		})
	}
}

// NewBurstLimitMiddleware rejects callers that exceed their per-IP allowance.
func NewBurstLimitMiddleware(l *BurstLimiter, scope string, m *metrics.Collector, logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !l.Allow(ip) {
				logger.Warn().Str("ip", ip).Str("scope", scope).Msg("rate limit exceeded")
				if m != nil {
					m.BurstLimited.WithLabelValues(scope).Inc()
				}
				writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewKillSwitchMiddleware answers 503 while the global kill switch is engaged.
// A switch that cannot be read leaves traffic flowing.
func NewKillSwitchMiddleware(ks ports.KillSwitch, logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			engaged, err := ks.Engaged(r.Context())
			if err != nil {
				logger.Warn().Err(err).Msg("kill switch unreadable")
			}
			if engaged {
				logger.Warn().Str("path", r.URL.Path).Msg("kill switch engaged")
				writeError(w, http.StatusServiceUnavailable, "service_disabled", "Service temporarily disabled")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewAbuseMiddleware counts every request per origin IP before any
// authentication and rejects origins over the window threshold.
func NewAbuseMiddleware(guard *app.AbuseGuard, m *metrics.Collector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !guard.RecordAndCheck(r.Context(), clientIP(r)) {
				if m != nil {
					m.AbuseBlocked.Inc()
				}
				writeError(w, http.StatusForbidden, "access_denied", "Access denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewAuthMiddleware resolves the API key to a decision and stores it in the
// request context. Requests that are not allowed never reach next.
func NewAuthMiddleware(authz *app.Authorizer, m *metrics.Collector, logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := authz.Authorize(r.Context(), extractAPIKey(r))
			if m != nil {
				m.AuthDecisions.WithLabelValues(outcome(err)).Inc()
			}
			if err != nil {
				logger.Debug().
					Err(err).
					Str("path", r.URL.Path).
					Str("request_id", middleware.GetReqID(r.Context())).
					Msg("request not authorized")
				writeAccessError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithDecision(r.Context(), d)))
		})
	}
}
