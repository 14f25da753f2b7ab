package cache

import (
	"time"
)

// Limiter admits at most Limit events per key within each fixed Window.
// Keys live in a bounded LRU, so tracking many tenants cannot grow without
// limit; an evicted key simply starts a fresh window.
type Limiter struct {
	limit  int
	window time.Duration
	now    func() time.Time
	counts *LRU[string, windowCount]
}

type windowCount struct {
	start time.Time
	n     int
}

// NewLimiter builds a limiter tracking up to maxKeys keys. A non-positive limit
// admits everything.
func NewLimiter(limit int, window time.Duration, maxKeys int) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		counts: NewLRU[string, windowCount](maxKeys, 2*window),
	}
}

// WithClock overrides the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	if now != nil {
		l.now = now
		l.counts.WithClock(now)
	}
	return l
}

// Allow records one event for key and reports whether it fits the window.
func (l *Limiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	now := l.now()
	allowed := false
	l.counts.Update(key, func(cur windowCount, ok bool) windowCount {
		if !ok || now.Sub(cur.start) >= l.window {
			cur = windowCount{start: now}
		}
		if cur.n < l.limit {
			cur.n++
			allowed = true
		}
		return cur
	})
	return allowed
}

// Reset forgets the window for key.
func (l *Limiter) Reset(key string) {
	if l != nil {
		l.counts.Delete(key)
	}
}
