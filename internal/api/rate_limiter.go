package api

import (
	"net"
	"net/http"
	"sync"

	apperrors "github.com/match-archiver/internal/errors"
	"golang.org/x/time/rate"
)

// ClientIDHeader identifies the caller for intake rate limiting
const ClientIDHeader = "X-Client-ID"

// RateLimiter throttles archival requests per caller. It only protects the
// intake API; upstream calls are paced by the shared request limiter.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex

	limit     rate.Limit
	burstSize int
}

// NewRateLimiter creates a limiter allowing rps requests per second per caller
func NewRateLimiter(rps int) *RateLimiter {
	if rps <= 0 {
		rps = 10
	}
	return &RateLimiter{
		limiters:  make(map[string]*rate.Limiter),
		limit:     rate.Limit(rps),
		burstSize: rps,
	}
}

// getLimiter returns the rate limiter for a caller
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check in case another goroutine created it
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.limit, rl.burstSize)
	rl.limiters[key] = limiter
	return limiter
}

func clientKey(r *http.Request) string {
	if id := r.Header.Get(ClientIDHeader); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware creates a middleware that enforces rate limiting
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := rl.getLimiter(clientKey(r))

			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				respondServiceError(w, r, apperrors.NewRateLimitError(1))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
