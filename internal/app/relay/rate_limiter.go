package relay

import (
	"sync"
	"time"

	"github.com/groovia/livecall/internal/domain"
)

// sweepEvery is how many Allow calls pass between sweeps of idle users.
const sweepEvery = 256

// RateLimiter caps join attempts per user id within a sliding window. It
// guards the hub against clients that reconnect in a tight loop, since every
// join is broadcast to the whole room.
//
// A nil RateLimiter, or one with a limit of zero or less, allows everything.
// Users with no attempt inside the window are forgotten periodically, so the
// history stays bounded by the number of recently active users.
type RateLimiter struct {
	mu       sync.Mutex
	history  map[domain.UserID][]time.Time
	limit    int
	interval time.Duration
	calls    int
	now      func() time.Time
}

// NewRateLimiter allows limit joins per user in any interval-long window.
func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		history:  make(map[domain.UserID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

// Allow records an attempt by uid and reports whether it is within the limit.
// Rejected attempts are not recorded.
func (rl *RateLimiter) Allow(uid domain.UserID) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	rl.calls++
	if rl.calls%sweepEvery == 0 {
		rl.sweepLocked(windowStart)
	}

	fresh := inWindow(rl.history[uid], windowStart)
	if len(fresh) >= rl.limit {
		rl.history[uid] = fresh
		return false
	}
	rl.history[uid] = append(fresh, now)
	return true
}

// Tracked is the number of users with recorded attempts.
func (rl *RateLimiter) Tracked() int {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.history)
}

func (rl *RateLimiter) sweepLocked(windowStart time.Time) {
	for uid, attempts := range rl.history {
		if fresh := inWindow(attempts, windowStart); len(fresh) == 0 {
			delete(rl.history, uid)
		} else {
			rl.history[uid] = fresh
		}
	}
}

// inWindow filters attempts in place, keeping those after windowStart.
func inWindow(attempts []time.Time, windowStart time.Time) []time.Time {
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	return fresh
}
