package handlers

import (
	"strings"
	"sync"
	"time"
)

// windowLimiter caps requests per key within a fixed window. Each carrier preview buys
// nothing but still costs an API call, so buyers are throttled per UID.
type windowLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	buckets map[string]rateWindow
}

type rateWindow struct {
	count int
	reset time.Time
}

func newWindowLimiter(limit int, span time.Duration, clock func() time.Time) *windowLimiter {
	if limit <= 0 || span <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &windowLimiter{
		limit:   limit,
		window:  span,
		clock:   clock,
		buckets: make(map[string]rateWindow),
	}
}

// Allow records a request for key. When the window is exhausted it reports how long the caller
// should wait before retrying.
func (l *windowLimiter) Allow(key string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[key]
	if !ok || !now.Before(bucket.reset) {
		l.buckets[key] = rateWindow{count: 1, reset: now.Add(l.window)}
		l.evictLocked(now)
		return true, 0
	}
	if bucket.count >= l.limit {
		return false, bucket.reset.Sub(now)
	}
	bucket.count++
	l.buckets[key] = bucket
	return true, 0
}

func (l *windowLimiter) evictLocked(now time.Time) {
	for key, bucket := range l.buckets {
		if !now.Before(bucket.reset) {
			delete(l.buckets, key)
		}
	}
}
