package daemon

import (
	"sync"
	"time"
)

// rateLimiter is an in-memory sliding-window request counter keyed by tenant.
// Good enough for a single daemon instance; the limit resets with the process.
type rateLimiter struct {
	mu        sync.Mutex
	perMinute int
	windows   map[string][]time.Time
}

func newRateLimiter(perMinute int) *rateLimiter {
	return &rateLimiter{perMinute: perMinute, windows: make(map[string][]time.Time)}
}

// allow records one request for the tenant and reports whether it fits the
// per-minute window. A non-positive limit disables limiting.
func (rl *rateLimiter) allow(tenantID string, now time.Time) bool {
	if rl.perMinute <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-time.Minute)
	window := rl.windows[tenantID]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= rl.perMinute {
		rl.windows[tenantID] = kept
		return false
	}
	rl.windows[tenantID] = append(kept, now)
	return true
}
