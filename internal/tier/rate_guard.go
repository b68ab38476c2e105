package tier

import (
	"strings"
	"sync"
	"time"
)

// RateGuard caps how many tier moves a single subscriber may make per UTC
// day. Provider webhooks and overlapping syncs can otherwise flap a
// subscriber between adjacent tiers many times in one run.
type RateGuard struct {
	mu     sync.Mutex
	limit  int
	day    string
	counts map[string]int
	now    func() time.Time
}

// NewRateGuard returns a guard allowing limit moves per subscriber per day.
// A limit of zero or less disables the guard.
func NewRateGuard(limit int) *RateGuard {
	return &RateGuard{
		limit:  limit,
		counts: make(map[string]int),
		now:    time.Now,
	}
}

// SetClock replaces the time source for tests.
func (g *RateGuard) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// Allow records one tier move for email and reports whether it was within
// the daily budget. The count resets at UTC midnight.
func (g *RateGuard) Allow(email string) bool {
	if g.limit <= 0 {
		return true
	}
	key := strings.ToLower(strings.TrimSpace(email))

	g.mu.Lock()
	defer g.mu.Unlock()

	day := g.now().UTC().Format("2006-01-02")
	if day != g.day {
		g.day = day
		g.counts = make(map[string]int)
	}
	if g.counts[key] >= g.limit {
		return false
	}
	g.counts[key]++
	return true
}

// Used returns how many moves email has made today.
func (g *RateGuard) Used(email string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.now().UTC().Format("2006-01-02") != g.day {
		return 0
	}
	return g.counts[strings.ToLower(strings.TrimSpace(email))]
}
