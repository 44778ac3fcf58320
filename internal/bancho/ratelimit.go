package bancho

import (
	"sync"
	"time"
)

// RateLimiter admits at most count sends within any trailing window.
// It keeps the timestamps of the last count accepted sends and never
// carries unused budget across windows. Safe for concurrent use.
type RateLimiter struct {
	mu     sync.Mutex
	count  int
	window time.Duration
	stamps []time.Time
	// oldest indexes the earliest stamp once the ring is full.
	oldest int
	filled int
	now    func() time.Time
}

// NewRateLimiter creates a limiter admitting count sends per window.
//
// Precondition: count >= 1; window > 0.
func NewRateLimiter(count int, window time.Duration) *RateLimiter {
	return newRateLimiterWithClock(count, window, time.Now)
}

func newRateLimiterWithClock(count int, window time.Duration, now func() time.Time) *RateLimiter {
	if count < 1 {
		count = 1
	}
	return &RateLimiter{
		count:  count,
		window: window,
		stamps: make([]time.Time, count),
		now:    now,
	}
}

// Allow reports whether a send may proceed now and, if so, records it.
//
// Postcondition: Returns true iff fewer than count recorded sends fall within
// the half-open interval (now-window, now].
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.filled == r.count && now.Sub(r.stamps[r.oldest]) < r.window {
		return false
	}

	r.stamps[r.oldest] = now
	r.oldest = (r.oldest + 1) % r.count
	if r.filled < r.count {
		r.filled++
	}
	return true
}

// Delay returns how long until Allow could next succeed. Zero means now.
func (r *RateLimiter) Delay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filled < r.count {
		return 0
	}
	d := r.stamps[r.oldest].Add(r.window).Sub(r.now())
	if d < 0 {
		return 0
	}
	return d
}
