package ratelimit

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	n       int
	expires time.Time
}

// MemoryCounter is an in-process CounterStore
type MemoryCounter struct {
	mu       sync.Mutex
	counters map[string]counter
	now      func() time.Time
}

// NewMemoryCounter creates an empty MemoryCounter
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counters: make(map[string]counter), now: time.Now}
}

func (m *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c, ok := m.counters[key]
	if !ok || !now.Before(c.expires) {
		c = counter{expires: now.Add(window)}
	}
	c.n++
	m.counters[key] = c
	return c.n, nil
}

func (m *MemoryCounter) Get(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok {
		return 0, nil
	}
	if !m.now().Before(c.expires) {
		delete(m.counters, key)
		return 0, nil
	}
	return c.n, nil
}

func (m *MemoryCounter) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counters, key)
	return nil
}
