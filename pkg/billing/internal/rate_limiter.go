package internal

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter is a fixed-window, per-client limiter for the webhook endpoint.
type RateLimiter struct {
	mu           sync.Mutex
	clients      map[string]*window
	limit        int
	period       time.Duration
	seen         int
	sweepEvery   int
	sweepAtCount int
	now          func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter allows limit requests per client per period.
func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	return &RateLimiter{
		clients:      make(map[string]*window),
		limit:        limit,
		period:       period,
		sweepEvery:   100,
		sweepAtCount: 200,
		now:          time.Now,
	}
}

// allow records a request from client and reports whether it is within the
// limit, plus the time the client's window resets.
func (rl *RateLimiter) allow(client string) (bool, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	// Expired windows are dropped lazily so no background goroutine is needed.
	rl.seen++
	if rl.seen >= rl.sweepEvery || len(rl.clients) > rl.sweepAtCount {
		rl.sweep(now)
		rl.seen = 0
	}

	w, ok := rl.clients[client]
	if !ok || now.After(w.resetAt) {
		w = &window{count: 1, resetAt: now.Add(rl.period)}
		rl.clients[client] = w
		return true, w.resetAt
	}

	if w.count >= rl.limit {
		return false, w.resetAt
	}
	w.count++
	return true, w.resetAt
}

func (rl *RateLimiter) sweep(now time.Time) {
	for client, w := range rl.clients {
		if now.After(w.resetAt) {
			delete(rl.clients, client)
		}
	}
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Middleware rejects requests over the limit with 429 and a Retry-After header.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, resetAt := rl.allow(ClientIP(r))
		if !ok {
			retry := int(time.Until(resetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns RemoteAddr without its port. Forwarding headers are not
// read here; a trusted proxy setup rewrites RemoteAddr with chi's RealIP
// middleware before the limiter runs.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
