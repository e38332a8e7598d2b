package handlers

import (
	"cmp"
	"maps"
	"strings"
	"sync"
	"time"
)

// rateLimiter throttles carrier webhook bursts. Keys are tracking ids, so a
// chatty carrier retrying one shipment cannot starve the rest.
type rateLimiter interface {
	Allow(key string) bool
}

// windowLimiter counts calls per key inside a fixed window. Carrier volume
// is low enough that an in-process counter per instance is sufficient.
type windowLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time
	mu     sync.Mutex
	counts map[string]windowSlot
}

type windowSlot struct {
	hits  int
	reset time.Time
}

// take consumes one hit unless the slot is already at the limit.
func (s *windowSlot) take(limit int) bool {
	if s.hits >= limit {
		return false
	}
	s.hits++
	return true
}

func newWindowLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &windowLimiter{
		limit:  limit,
		window: window,
		clock:  clock,
		counts: make(map[string]windowSlot),
	}
}

func (l *windowLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = cmp.Or(strings.TrimSpace(key), "anonymous")
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if slot, live := l.counts[key]; live && !now.After(slot.reset) {
		granted := slot.take(l.limit)
		if granted {
			l.counts[key] = slot
		}
		return granted
	}

	l.pruneExpiredLocked(now)
	l.counts[key] = windowSlot{hits: 1, reset: now.Add(l.window)}
	return true
}

func (l *windowLimiter) pruneExpiredLocked(now time.Time) {
	maps.DeleteFunc(l.counts, func(_ string, slot windowSlot) bool {
		return now.After(slot.reset)
	})
}
