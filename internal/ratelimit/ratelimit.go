package ratelimit

import (
	"sync"
	"time"
)

// Limiter tracks event counts per key within a sliding window. Keys are
// client IPs for upgrades and member ids for chat messages.
type Limiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	max     int
	window  time.Duration
	now     func() time.Time

	lastSweep time.Time
}

// New creates a Limiter allowing max events per window. A max of zero or
// less disables limiting.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		entries: make(map[string][]time.Time),
		max:     max,
		window:  window,
		now:     time.Now,
	}
}

// PerMinute is shorthand for New(max, time.Minute).
func PerMinute(max int) *Limiter {
	return New(max, time.Minute)
}

// Allow returns true if key has not exceeded the limit. If allowed, the
// event is recorded.
func (l *Limiter) Allow(key string) bool {
	if l == nil || l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	if now.Sub(l.lastSweep) >= l.window {
		l.sweep(cutoff)
		l.lastSweep = now
	}
	valid := prune(l.entries[key], cutoff)
	if len(valid) >= l.max {
		l.entries[key] = valid
		return false
	}
	l.entries[key] = append(valid, now)
	return true
}

// Forget drops all state for key.
func (l *Limiter) Forget(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// sweep drops keys with no events after cutoff. It runs at most once per
// window, so keys that are never revisited do not accumulate.
func (l *Limiter) sweep(cutoff time.Time) {
	for key, timestamps := range l.entries {
		if valid := prune(timestamps, cutoff); len(valid) == 0 {
			delete(l.entries, key)
		} else {
			l.entries[key] = valid
		}
	}
}

func prune(timestamps []time.Time, cutoff time.Time) []time.Time {
	valid := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}
