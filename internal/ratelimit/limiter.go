package ratelimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxEntries = 5000
	entryTTL   = 10 * time.Minute
)

type entry struct {
	limiter      *rate.Limiter
	blockedUntil time.Time
	lastSeen     time.Time
}

// Limiter is a per-actor token bucket plus an optional server-imposed
// cool-down window per actor.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// New builds a limiter allowing perMinute sends per actor with the given
// burst. A non-positive perMinute disables the token bucket; Block still
// applies.
func New(perMinute, burst int) *Limiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / 60.0)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		entries: make(map[string]*entry),
		limit:   limit,
		burst:   burst,
		now:     time.Now,
	}
}

// Limited reports whether a send by actor right now would be rejected. When
// it returns false a token has been taken for the send.
func (l *Limiter) Limited(actor string) bool {
	actor = strings.TrimSpace(actor)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entryLocked(actor, now)
	if now.Before(e.blockedUntil) {
		return true
	}
	return !e.limiter.AllowN(now, 1)
}

// Block rejects sends for actor until the given time. An earlier deadline
// never shortens an existing block.
func (l *Limiter) Block(actor string, until time.Time) {
	actor = strings.TrimSpace(actor)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entryLocked(actor, now)
	if until.After(e.blockedUntil) {
		e.blockedUntil = until
	}
}

// BlockedUntil returns the cool-down deadline for actor, zero if none.
func (l *Limiter) BlockedUntil(actor string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[strings.TrimSpace(actor)]
	if !ok || !l.now().Before(e.blockedUntil) {
		return time.Time{}
	}
	return e.blockedUntil
}

func (l *Limiter) entryLocked(actor string, now time.Time) *entry {
	if e, ok := l.entries[actor]; ok {
		e.lastSeen = now
		return e
	}
	if len(l.entries) >= maxEntries {
		cutoff := now.Add(-entryTTL)
		for k, v := range l.entries {
			if v.lastSeen.Before(cutoff) && !now.Before(v.blockedUntil) {
				delete(l.entries, k)
			}
		}
	}
	e := &entry{limiter: rate.NewLimiter(l.limit, l.burst), lastSeen: now}
	l.entries[actor] = e
	return e
}
