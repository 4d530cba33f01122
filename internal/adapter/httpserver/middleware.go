// Package httpserver is the HTTP surface of the orchestration core: job
// enqueue and summary endpoints, the pull/result path for external senders,
// auth and the per-tenant rate limit.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
	"github.com/fairyhunter13/scrape-orchestrator/internal/service/ratelimiter"
)

// Recoverer ensures panics don't crash the server and responds 500 safely.
func Recoverer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("panic recovered", slog.Any("recover", rec))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID injects a request id into context, logger and response headers.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-Id")
			if reqID == "" {
				reqID = newReqID()
				r.Header.Set("X-Request-Id", reqID)
			}
			logger := slog.Default().With(slog.String("request_id", reqID))
			ctx := context.WithValue(r.Context(), loggerKey{}, logger)
			w.Header().Set("X-Request-Id", reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TimeoutMiddleware adds a deadline to the request context.
func TimeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, http.StatusText(http.StatusGatewayTimeout))
	}
}

// SecurityHeaders adds strict security headers suitable for a JSON API.
// HSTS is added only when the deployment terminates TLS (REQUIRE_HTTPS).
func SecurityHeaders(requireHTTPS bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-XSS-Protection", "1; mode=block")
			w.Header().Set("Content-Security-Policy", "default-src 'none'")
			w.Header().Set("Referrer-Policy", "no-referrer")
			w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
			if requireHTTPS {
				w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireHTTPS rejects plain HTTP behind a proxy that sets X-Forwarded-Proto.
// A redirect would replay POST bodies over a channel we just declared
// unacceptable, so the answer is 400, not 3xx.
func RequireHTTPS(enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") == "http" {
				writeErrorCode(w, http.StatusBadRequest, codeBadRequest, "https required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type loggerKey struct{}

// LoggerFrom extracts the request-scoped logger or returns the default one.
func LoggerFrom(r *http.Request) *slog.Logger {
	if lg, ok := r.Context().Value(loggerKey{}).(*slog.Logger); ok {
		return lg
	}
	return slog.Default()
}

var ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // Weak random is sufficient for ULID entropy.

func newReqID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulidEntropy)
	if err != nil {
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return id.String()
}

// AccessLog logs basic request/response information, level by status class.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			dur := time.Since(start)
			lg := LoggerFrom(r)
			var route string
			if rc := chi.RouteContext(r.Context()); rc != nil {
				route = rc.RoutePattern()
			}
			if route == "" {
				route = r.URL.Path
			}
			statusCode := ww.Status()
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", route),
				slog.Int("status", statusCode),
				slog.Duration("duration_ms", dur),
				slog.String("request_id", r.Header.Get("X-Request-Id")),
			}
			switch {
			case statusCode >= 500:
				lg.LogAttrs(r.Context(), slog.LevelError, "http_access", attrs...)
			case statusCode >= 400:
				lg.LogAttrs(r.Context(), slog.LevelWarn, "http_access", attrs...)
			default:
				lg.LogAttrs(r.Context(), slog.LevelInfo, "http_access", attrs...)
			}
		})
	}
}

// RequireAuth authenticates every request and stores the Identity in context.
// Valid credentials for a suspended client are a 403, not a 401: retrying
// with the same token will not help.
func (s *Server) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.Auth.Authenticate(r)
		if err != nil {
			if errors.Is(err, domain.ErrForbidden) {
				writeErrorCode(w, http.StatusForbidden, codeClientDisabled, "client is not active", nil)
				return
			}
			writeErrorCode(w, http.StatusUnauthorized, codeUnauthorized, "authentication required", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithIdentity(r.Context(), id)))
	})
}

// RequireScope rejects identities missing the scope with 403.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok {
				writeErrorCode(w, http.StatusUnauthorized, codeUnauthorized, "authentication required", nil)
				return
			}
			if !id.HasScope(scope) {
				writeErrorCode(w, http.StatusForbidden, codeInsufficientScope,
					"scope "+scope+" required", map[string]any{"required_scope": scope})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TenantRateLimiter is the distributed RPM limiter interface (see
// service/ratelimiter).
type TenantRateLimiter interface {
	Allow(ctx context.Context, key string, cost int64) (allowed bool, retryAfter time.Duration, err error)
	SetBucketConfig(key string, cfg ratelimiter.BucketConfig)
}

// RateLimit throttles per client and endpoint using the tenant RPM budget.
func (s *Server) RateLimit(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.Limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			id, ok := IdentityFrom(r.Context())
			if !ok {
				writeErrorCode(w, http.StatusUnauthorized, codeUnauthorized, "authentication required", nil)
				return
			}
			key := id.ClientID + ":" + endpoint
			if id.RPM > 0 {
				s.Limiter.SetBucketConfig(key, ratelimiter.NewBucketConfigFromPerMinute(id.RPM))
			}
			allowed, retryAfter, err := s.Limiter.Allow(r.Context(), key, 1)
			if err != nil {
				LoggerFrom(r).Error("rate limiter error", slog.Any("error", err))
			}
			if !allowed {
				observability.RateLimitRejections.WithLabelValues(endpoint).Inc()
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds()+0.5)))
				}
				writeErrorCode(w, http.StatusTooManyRequests, codeRateLimited,
					"rate limit exceeded", map[string]any{"endpoint": endpoint})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
