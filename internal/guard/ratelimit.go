// Package guard protects the webhook pipeline: per-sender rate limiting,
// update deduplication, and the graceful-shutdown gate.
package guard

import (
	"sync"
	"time"
)

// RateLimiter enforces a sliding window of at most maxRequests per sender
// within window.
type RateLimiter struct {
	window      time.Duration
	maxRequests int

	mu      sync.Mutex
	windows map[int64][]time.Time
	now     func() time.Time
}

// NewRateLimiter creates a sliding-window limiter.
func NewRateLimiter(window time.Duration, maxRequests int) *RateLimiter {
	return &RateLimiter{
		window:      window,
		maxRequests: maxRequests,
		windows:     make(map[int64][]time.Time),
		now:         time.Now,
	}
}

// Allow records a request for sender and reports whether it fits the window.
func (rl *RateLimiter) Allow(sender int64) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	kept := rl.prune(sender, now)
	if len(kept) >= rl.maxRequests {
		return false
	}
	rl.windows[sender] = append(kept, now)
	return true
}

// RetryAfter returns how long the sender must wait until the oldest
// surviving timestamp ages out of the window.
func (rl *RateLimiter) RetryAfter(sender int64) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	kept := rl.prune(sender, now)
	rl.windows[sender] = kept
	if len(kept) < rl.maxRequests {
		return 0
	}
	retry := kept[0].Add(rl.window).Sub(now)
	if retry < 0 {
		return 0
	}
	return retry
}

// prune drops timestamps older than the window. Caller holds rl.mu.
func (rl *RateLimiter) prune(sender int64, now time.Time) []time.Time {
	stamps := rl.windows[sender]
	cutoff := now.Add(-rl.window)
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	kept := stamps[i:]
	if len(kept) == 0 {
		delete(rl.windows, sender)
		return nil
	}
	return kept
}
