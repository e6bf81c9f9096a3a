package channels

import (
	"sync"
	"time"
)

const (
	// maxTrackedUsers caps the limiter's memory so rotating sender ids
	// cannot grow the map without bound.
	maxTrackedUsers = 4096

	rateWindow = time.Minute
)

// RateLimiter caps messages per user per rolling minute: at most perMinute
// sends are admitted inside any 60 second span, not per fixed bucket. Each
// user carries the timestamps of their admitted sends; entries age out as
// the window slides. Safe for concurrent use.
type RateLimiter struct {
	mu        sync.Mutex
	perMinute int
	sends     map[string][]time.Time

	now func() time.Time
}

// NewRateLimiter creates a limiter allowing perMinute messages per user.
// perMinute <= 0 disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		perMinute: perMinute,
		sends:     make(map[string][]time.Time),
		now:       time.Now,
	}
}

// Allow reports whether user may send another message right now and counts
// it if so.
func (r *RateLimiter) Allow(user string) bool {
	if r.perMinute <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-rateWindow)

	log, tracked := r.sends[user]
	if !tracked && len(r.sends) >= maxTrackedUsers {
		r.evict(cutoff)
	}

	log = trimWindow(log, cutoff)
	if len(log) >= r.perMinute {
		r.sends[user] = log
		return false
	}
	r.sends[user] = append(log, now)
	return true
}

// trimWindow drops timestamps that have slid out of the window. Sends are
// appended in order, so the stale prefix is contiguous.
func trimWindow(log []time.Time, cutoff time.Time) []time.Time {
	for len(log) > 0 && !log[0].After(cutoff) {
		log = log[1:]
	}
	return log
}

// evict runs under r.mu. Users whose every send has aged out go first;
// if the map is still full, arbitrary entries make room.
func (r *RateLimiter) evict(cutoff time.Time) {
	for user, log := range r.sends {
		if len(log) == 0 || !log[len(log)-1].After(cutoff) {
			delete(r.sends, user)
		}
	}
	for len(r.sends) >= maxTrackedUsers {
		for user := range r.sends {
			delete(r.sends, user)
			break
		}
	}
}
