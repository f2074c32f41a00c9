package middleware

import (
	"context"
	"sync"
	"time"
)

// MemoryRateLimiter is a per-process fixed-window limiter used when no
// shared limiter is configured.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]fixedWindow
}

type fixedWindow struct {
	start time.Time
	count int
}

// NewMemoryRateLimiter returns an empty limiter.
func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{now: time.Now, windows: make(map[string]fixedWindow)}
}

// Allow counts one request against key.
func (l *MemoryRateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= window {
		if len(l.windows) > 100000 {
			l.pruneLocked(now, window)
		}
		w = fixedWindow{start: now}
	}
	if w.count >= limit {
		return false, nil
	}
	w.count++
	l.windows[key] = w
	return true, nil
}

func (l *MemoryRateLimiter) pruneLocked(now time.Time, window time.Duration) {
	for k, w := range l.windows {
		if now.Sub(w.start) >= window {
			delete(l.windows, k)
		}
	}
}

// MemoryNonceStore remembers claimed keys in process memory until they
// expire.
type MemoryNonceStore struct {
	mu      sync.Mutex
	now     func() time.Time
	expires map[string]time.Time
}

// NewMemoryNonceStore returns an empty store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{now: time.Now, expires: make(map[string]time.Time)}
}

// Claim records key for ttl and reports whether it was unclaimed.
func (s *MemoryNonceStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.expires {
		if !now.Before(exp) {
			delete(s.expires, k)
		}
	}
	if _, taken := s.expires[key]; taken {
		return false, nil
	}
	s.expires[key] = now.Add(ttl)
	return true, nil
}
