package rest

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a per-client sliding window limiter keyed by IP. It guards
// the endpoints that spawn subprocesses; status polling stays unlimited.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time

	now func() time.Time
}

// NewRateLimiter allows limit requests per client per minute. A limit of
// zero or less disables limiting.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: time.Minute,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records a hit for key and reports whether it is within the window.
func (l *RateLimiter) Allow(key string) bool {
	if l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)

	recent := l.hits[key][:0]

	for _, hit := range l.hits[key] {
		if hit.After(cutoff) {
			recent = append(recent, hit)
		}
	}

	if len(recent) >= l.limit {
		l.hits[key] = recent

		return false
	}

	l.hits[key] = append(recent, l.now())

	l.pruneLocked(cutoff)

	return true
}

// pruneLocked drops idle clients so the map does not grow without bound.
func (l *RateLimiter) pruneLocked(cutoff time.Time) {
	if len(l.hits) < 1024 {
		return
	}

	for key, hits := range l.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(l.hits, key)
		}
	}
}

// Middleware rejects over-limit clients with 429.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "60")
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")

			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first forwarded address so the limiter keys on the
// real client when the service sits behind a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
