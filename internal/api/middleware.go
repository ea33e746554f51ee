package api

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-render/api/schemas"
	"github.com/xkilldash9x/scalpel-render/internal/config"
	"github.com/xkilldash9x/scalpel-render/internal/observability"
)

const (
	detailMissingAuth = "Authorization header missing or invalid"
	detailInvalidKey  = "Invalid API key"
)

// authenticate enforces bearer authentication with the configured API key.
// It is a pass-through when authentication is disabled.
func authenticate(cfg config.ServerConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if cfg.AuthDisabled() {
			return next
		}
		want := []byte(cfg.APIKey)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			token = strings.TrimSpace(token)
			if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
				respondWithError(w, logger, http.StatusUnauthorized, detailMissingAuth)
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), want) != 1 {
				respondWithError(w, logger, http.StatusForbidden, detailInvalidKey)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// instrument logs every request through zap and records its metrics under
// the matched route pattern.
func instrument(metrics *observability.Metrics, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			elapsed := time.Since(start)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			metrics.ObserveRequest(route, fmt.Sprint(status), elapsed)

			fields := []zap.Field{
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", elapsed),
				zap.String("remote", r.RemoteAddr),
			}
			switch {
			case status >= 500:
				logger.Error("Request failed", fields...)
			case status >= 400:
				logger.Warn("Request rejected", fields...)
			default:
				logger.Info("Request served", fields...)
			}
		})
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter is a per-client token bucket keyed by IP address. Clients that
// have been idle longer than the eviction window are forgotten.
type rateLimiter struct {
	limit     rate.Limit
	burst     int
	perMinute int
	idle      time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

func newRateLimiter(cfg config.RateLimitConfig, logger *zap.Logger) *rateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	idle := cfg.IdleEviction
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &rateLimiter{
		limit:     rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute)),
		burst:     burst,
		perMinute: cfg.RequestsPerMinute,
		idle:      idle,
		now:       time.Now,
		logger:    logger,
		visitors:  make(map[string]*visitor),
	}
}

// allow takes one token from the client's bucket.
func (l *rateLimiter) allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) >= l.idle {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) >= l.idle {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

func (l *rateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

func (l *rateLimiter) describe() string {
	return fmt.Sprintf("%d per 1 minute", l.perMinute)
}

func (l *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)
		if l.allow(key) {
			next.ServeHTTP(w, r)
			return
		}
		l.logger.Info("Rate limit exceeded", zap.String("client", key), zap.String("path", r.URL.Path))
		limit := l.describe()
		w.Header().Set("Retry-After", "60")
		respondWithJSON(w, l.logger, http.StatusTooManyRequests, schemas.RateLimitResponse{
			Error:      "Too Many Requests",
			Detail:     "Whoa! Slow down. " + limit,
			Limit:      limit,
			RetryAfter: "1 minute",
		})
	})
}

// clientIP strips the port from RemoteAddr. middleware.RealIP has already
// replaced it with the forwarded address when one was present.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
