package stage1

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// connectionLimitEntry tracks a per-connection rate limiter and when it was
// last used.
type connectionLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ConnectionRateLimiter rate-limits call.route traffic arriving from
// untrusted listeners, keyed by connection id, so a single abusive listener
// can't run the Stage-1 task's database/cache work into the ground.
type ConnectionRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*connectionLimitEntry
	rps     rate.Limit
	burst   int
	maxAge  time.Duration
}

// NewConnectionRateLimiter builds a ConnectionRateLimiter allowing rps
// requests per second, per connection id, with the given burst.
func NewConnectionRateLimiter(rps float64, burst int) *ConnectionRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ConnectionRateLimiter{
		entries: make(map[string]*connectionLimitEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
		maxAge:  10 * time.Minute,
	}
}

// Allow reports whether a call.route request from connectionID may proceed.
func (l *ConnectionRateLimiter) Allow(connectionID string) bool {
	l.mu.Lock()
	entry, ok := l.entries[connectionID]
	if !ok {
		entry = &connectionLimitEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.entries[connectionID] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

// Cleanup removes limiter entries idle longer than maxAge, so a long-running
// process doesn't accumulate one entry per connection id forever.
func (l *ConnectionRateLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.maxAge)
	removed := 0
	for id, entry := range l.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(l.entries, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("stage1 rate limiter cleanup", "removed", removed, "remaining", len(l.entries))
	}
}
