package matcher

import (
	"sync"
	"time"
)

// Guard suppresses looters that acted inside the cooldown window. The flag
// simply expires; there is no counter and no background sweeper.
type Guard struct {
	Cooldown time.Duration
	Now      func() time.Time

	mu     sync.Mutex
	recent map[string]time.Time
}

// NewGuard builds a guard with the given cooldown.
func NewGuard(cooldown time.Duration) *Guard {
	return &Guard{
		Cooldown: cooldown,
		recent:   make(map[string]time.Time),
	}
}

func (g *Guard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// MarkRecentlyActed starts (or restarts) the cooldown for a looter address.
func (g *Guard) MarkRecentlyActed(address string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.recent == nil {
		g.recent = make(map[string]time.Time)
	}
	g.recent[address] = g.now().Add(g.Cooldown)
}

// HasRecentlyActed reports whether the looter is still cooling down.
// Expired flags are dropped at read time.
func (g *Guard) HasRecentlyActed(address string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.recent[address]
	if !ok {
		return false
	}
	if !g.now().Before(until) {
		delete(g.recent, address)
		return false
	}
	return true
}
