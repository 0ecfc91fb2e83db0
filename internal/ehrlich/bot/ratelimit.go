package bot

import (
	"sync"
	"time"
)

// DefaultRoundsPerMinute caps response rounds per channel when no limit is
// configured.
const DefaultRoundsPerMinute = 20

// RateLimiter is a per-channel sliding-window limit on response rounds. It
// keeps the timestamps inside the window and prunes stale ones on every
// Allow, so memory stays bounded by the limit per active channel.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	counters map[string][]time.Time
	now      func() time.Time
}

// NewRateLimiter allows at most limit rounds per channel within window.
// Non-positive values use DefaultRoundsPerMinute and one minute.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRoundsPerMinute
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:    limit,
		window:   window,
		counters: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow records a round for channelID and reports whether it is within the
// limit. Refused rounds are not recorded.
func (r *RateLimiter) Allow(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	existing := r.counters[channelID]
	valid := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= r.limit {
		r.counters[channelID] = valid
		return false
	}
	r.counters[channelID] = append(valid, now)
	return true
}
