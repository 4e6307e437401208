package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

// RateLimit returns middleware that applies per-client rate limiting using the
// provided domain.RateLimiter. Each unique client IP is limited to `limit`
// requests per `window` duration. Limiter errors fail open.
func RateLimit(limiter domain.RateLimiter, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "api:" + extractClientIP(r)

			allowed, err := limiter.Allow(r.Context(), key, limit, window)
			if err == nil && !allowed {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LocalLimiter is an in-process token bucket per key, used when no shared
// limiter is configured. At most maxKeys buckets are kept; the least
// recently seen key is evicted first.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
}

// NewLocalLimiter creates a LocalLimiter tracking up to maxKeys clients.
func NewLocalLimiter(maxKeys int) *LocalLimiter {
	buckets, err := lru.New[string, *rate.Limiter](max(maxKeys, 1))
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	return &LocalLimiter{buckets: buckets}
}

// Allow refills the bucket of key at limit tokens per window with a burst
// of limit.
func (l *LocalLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	l.mu.Lock()
	b, ok := l.buckets.Get(key)
	if !ok {
		b = rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
		l.buckets.Add(key, b)
	}
	l.mu.Unlock()
	return b.Allow(), nil
}

// extractClientIP attempts to determine the real client IP from standard
// proxy headers, falling back to the direct remote address.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
