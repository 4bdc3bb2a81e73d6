package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/renderflow/internal/api/response"
	"github.com/kiranshivaraju/renderflow/internal/cache"
)

const defaultRequestsPerMinute = 60

// Counter increments a windowed counter. cache.Cache satisfies it.
type Counter interface {
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RateLimit provides fixed-window rate limiting via Redis.
type RateLimit struct {
	counter        Counter
	requestsPerMin int
	keyFunc        func(r *http.Request) (string, bool)
}

// NewRateLimit limits authenticated callers per API key.
func NewRateLimit(c Counter, requestsPerMin int) *RateLimit {
	return newRateLimit(c, requestsPerMin, func(r *http.Request) (string, bool) {
		p, ok := GetPrincipal(r)
		if !ok {
			return "", false
		}
		return cache.RateLimitKey(p.KeyPrefix), true
	})
}

// NewCallbackRateLimit limits unauthenticated callback traffic per remote host.
func NewCallbackRateLimit(c Counter, requestsPerMin int) *RateLimit {
	return newRateLimit(c, requestsPerMin, func(r *http.Request) (string, bool) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		return cache.CallbackRateLimitKey(host), host != ""
	})
}

func newRateLimit(c Counter, requestsPerMin int, keyFunc func(*http.Request) (string, bool)) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{counter: c, requestsPerMin: requestsPerMin, keyFunc: keyFunc}
}

func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := rl.keyFunc(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		count, err := rl.counter.IncrWithExpiry(r.Context(), key, time.Minute)
		if err != nil {
			// Fail open.
			slog.Warn("rate limit counter unavailable", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := max(rl.requestsPerMin-int(count), 0)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))

		if count > int64(rl.requestsPerMin) {
			response.RateLimited(w, time.Minute)
			return
		}

		next.ServeHTTP(w, r)
	})
}
