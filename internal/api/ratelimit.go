package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Login attempts per client: a burst of 5, then one every 12 seconds
const (
	loginBurst    = 5
	loginInterval = 12 * time.Second
)

const (
	// limiterPruneSize is the map size above which idle entries are dropped
	limiterPruneSize = 500
	limiterIdleAge   = 10 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter keeps a token bucket per client IP
type ipRateLimiter struct {
	mu    sync.Mutex
	ips   map[string]*limiterEntry
	limit rate.Limit
	burst int
	clock clockwork.Clock
}

func newIPRateLimiter(limit rate.Limit, burst int, clock clockwork.Clock) *ipRateLimiter {
	return &ipRateLimiter{
		ips:   make(map[string]*limiterEntry),
		limit: limit,
		burst: burst,
		clock: clock,
	}
}

// allow reports whether ip may make another request now
func (l *ipRateLimiter) allow(ip string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.ips) > limiterPruneSize {
		cutoff := now.Add(-limiterIdleAge)
		for k, e := range l.ips {
			if e.lastSeen.Before(cutoff) {
				delete(l.ips, k)
			}
		}
	}

	e, ok := l.ips[ip]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.ips[ip] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// rateLimited rejects requests from clients over their budget with 429
func (r *Router) rateLimited(l *ipRateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !l.allow(r.clientIP(req)) {
			w.Header().Set("Retry-After", "12")
			writeError(w, http.StatusTooManyRequests, "too many attempts, try again later")
			return
		}
		next(w, req)
	}
}
