// Package ratelimit implements the per-identity message submission quota as
// a sliding window over accepted-message timestamps. The window state lives
// in a fixed-capacity LRU cache so departed participants are evicted instead
// of accumulating forever.
package ratelimit

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

type Limiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	cache  *lru.Cache

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

// New creates a limiter allowing max events per key within the trailing
// window, tracking at most capacity keys.
func New(max int, window time.Duration, capacity int) (*Limiter, error) {
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	return &Limiter{
		max:    max,
		window: window,
		cache:  cache,
		Now:    time.Now,
	}, nil
}

// Allow reports whether another event is permitted for key and, if so,
// records it. Rejected events are not recorded: only accepted messages count
// against the quota.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.Now()
	cutoff := now.Add(-l.window)

	var stamps []time.Time
	if v, ok := l.cache.Get(key); ok {
		stamps = v.([]time.Time)
	}
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.cache.Add(key, kept)
		return false
	}
	kept = append(kept, now)
	l.cache.Add(key, kept)
	return true
}

// Revert removes the most recent recorded event for key. Callers use it when
// a message passed Allow but was not accepted after all, so the slot must not
// count against the quota.
func (l *Limiter) Revert(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.cache.Get(key)
	if !ok {
		return
	}
	stamps := v.([]time.Time)
	if len(stamps) == 0 {
		return
	}
	l.cache.Add(key, stamps[:len(stamps)-1])
}

// Forget drops the window state for key.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Remove(key)
}
