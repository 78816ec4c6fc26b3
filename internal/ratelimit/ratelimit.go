// Package ratelimit gates inbound activity with a per-user single-slot
// cooldown. An event is accepted only when at least the cooldown interval
// has passed since the previous accepted event for the same user. This is a
// minimum-interval gate, not a windowed or token-bucket limiter.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultCooldown is the minimum interval between accepted events per user.
const DefaultCooldown = 2 * time.Second

// Gate tracks the last accepted event time per user.
type Gate struct {
	mu       sync.Mutex
	cooldown time.Duration
	lastSeen map[int64]time.Time
}

// NewGate constructs a Gate. A non-positive cooldown falls back to
// DefaultCooldown.
func NewGate(cooldown time.Duration) *Gate {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Gate{
		cooldown: cooldown,
		lastSeen: make(map[int64]time.Time),
	}
}

// Allow reports whether an event for the user at the given instant passes
// the cooldown. A denied event does not update the stored timestamp, so a
// burst cannot push its own window forward. Check and update are atomic.
func (g *Gate) Allow(userID int64, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.lastSeen[userID]; ok {
		if now.Sub(last) < g.cooldown {
			return false
		}
	}
	g.lastSeen[userID] = now
	return true
}

// Forget drops the stored timestamp for a user.
func (g *Gate) Forget(userID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.lastSeen, userID)
}
