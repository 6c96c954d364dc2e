package ratelimit

import (
	"context"
	"sync"
	"time"
)

type windowCounter struct {
	count  int64
	start  time.Time
	window time.Duration
}

// MemoryStore keeps fixed-window counters in-process (single instance only).
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	counters map[string]*windowCounter
	ops      uint64
}

// NewMemoryStore builds an in-memory counter store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:      now,
		counters: make(map[string]*windowCounter),
	}
}

// Increment bumps the key's counter, resetting it once the window that began
// at its first request has fully elapsed.
func (m *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ops++
	if m.ops%1024 == 0 {
		m.evictLocked(now)
	}

	c, ok := m.counters[key]
	if !ok || now.Sub(c.start) >= window {
		c = &windowCounter{start: now, window: window}
		m.counters[key] = c
	}
	c.count++
	return c.count, window - now.Sub(c.start), nil
}

// Reset drops every counter.
func (m *MemoryStore) Reset() {
	m.mu.Lock()
	m.counters = make(map[string]*windowCounter)
	m.mu.Unlock()
}

func (m *MemoryStore) evictLocked(now time.Time) {
	for k, c := range m.counters {
		if now.Sub(c.start) >= c.window {
			delete(m.counters, k)
		}
	}
}
