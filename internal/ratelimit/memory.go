package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is a sliding-window limiter over per-key timestamp logs.
// Expired keys are swept in the background until Close is called.
type MemoryLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
	done     chan struct{}
	once     sync.Once
}

// NewMemoryLimiter creates a limiter and starts the eviction goroutine.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return newMemoryLimiter(limit, window, time.Now)
}

func newMemoryLimiter(limit int, window time.Duration, now func() time.Time) *MemoryLimiter {
	l := &MemoryLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      now,
		done:     make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

// Allow implements Limiter. It never fails.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.recentLocked(key, now)

	res := Result{Limit: l.limit}
	if len(recent) < l.limit {
		recent = append(recent, now)
		res.Allowed = true
	}
	l.requests[key] = recent

	res.Remaining = max(l.limit-len(recent), 0)
	if len(recent) > 0 {
		res.Reset = recent[0].Add(l.window)
	} else {
		res.Reset = now.Add(l.window)
	}
	return res, nil
}

// recentLocked returns key's timestamps still inside the window ending at now.
func (l *MemoryLimiter) recentLocked(key string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	times := l.requests[key]
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}

// Close stops the eviction goroutine.
func (l *MemoryLimiter) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *MemoryLimiter) evictLoop() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *MemoryLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key := range l.requests {
		fresh := l.recentLocked(key, now)
		if len(fresh) == 0 {
			delete(l.requests, key)
		} else {
			l.requests[key] = fresh
		}
	}
}

// keys reports how many keys are tracked.
func (l *MemoryLimiter) keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}
