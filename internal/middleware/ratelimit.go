package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/darkden-lab/postfeed/internal/httputil"
)

const (
	cleanupInterval = time.Minute
	idleTimeout     = 3 * time.Minute
)

// ipLimiter holds a rate limiter and the last time it was accessed.
type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanoseconds
}

// rateLimiterStore manages per-IP rate limiters with automatic cleanup.
type rateLimiterStore struct {
	limiters sync.Map
	rps      float64
	burst    int
	stopped  chan struct{}
}

// newRateLimiterStore creates a store that evicts stale entries until ctx is
// done.
func newRateLimiterStore(ctx context.Context, rps float64, burst int) *rateLimiterStore {
	s := &rateLimiterStore{rps: rps, burst: burst, stopped: make(chan struct{})}
	go s.cleanup(ctx)
	return s
}

// getLimiter returns the rate limiter for the given IP, creating one if needed.
func (s *rateLimiterStore) getLimiter(ip string) *rate.Limiter {
	now := time.Now().UnixNano()

	if v, ok := s.limiters.Load(ip); ok {
		entry := v.(*ipLimiter)
		entry.lastSeen.Store(now)
		return entry.limiter
	}

	entry := &ipLimiter{limiter: rate.NewLimiter(rate.Limit(s.rps), s.burst)}
	entry.lastSeen.Store(now)
	actual, _ := s.limiters.LoadOrStore(ip, entry)
	existing := actual.(*ipLimiter)
	existing.lastSeen.Store(now)
	return existing.limiter
}

// cleanup removes entries that haven't been seen within idleTimeout.
func (s *rateLimiterStore) cleanup(ctx context.Context) {
	defer close(s.stopped)
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictIdle(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (s *rateLimiterStore) evictIdle(now time.Time) {
	s.limiters.Range(func(key, value any) bool {
		entry := value.(*ipLimiter)
		if now.Sub(time.Unix(0, entry.lastSeen.Load())) > idleTimeout {
			s.limiters.Delete(key)
		}
		return true
	})
}

// clientIP returns the host part of RemoteAddr. X-Forwarded-For is ignored so
// clients cannot pick their own bucket.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port.
		return r.RemoteAddr
	}
	return ip
}

func limit(store *rateLimiterStore) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !store.getLimiter(clientIP(r)).Allow() {
				httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware returns a gorilla/mux middleware that enforces per-IP
// rate limiting using a token bucket algorithm. rps is the sustained
// requests-per-second rate and burst is the maximum burst size. Idle entries
// are evicted until ctx is done.
func RateLimitMiddleware(ctx context.Context, rps float64, burst int) mux.MiddlewareFunc {
	return limit(newRateLimiterStore(ctx, rps, burst))
}

// StrictRateLimitMiddleware is like RateLimitMiddleware but meant for
// expensive endpoints such as websocket upgrades, where tighter limits apply.
// It uses a separate limiter store so its budget is independent of the
// general one.
func StrictRateLimitMiddleware(ctx context.Context, rps float64, burst int) mux.MiddlewareFunc {
	return limit(newRateLimiterStore(ctx, rps, burst))
}
