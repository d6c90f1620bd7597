package memory

import (
	"context"
	"sync"
	"time"
)

type counterEntry struct {
	value     int64
	expiresAt time.Time
}

// CounterStore is a direct-keyed, TTL-aware in-memory counter store.
// Increment is an atomic increment-and-get; the TTL is fixed when the
// key is created and lapsing it resets the counter.
type CounterStore struct {
	mu      sync.Mutex
	entries map[string]*counterEntry
	clock   func() time.Time
}

func NewCounterStore() *CounterStore {
	return &CounterStore{
		entries: make(map[string]*counterEntry),
		clock:   time.Now,
	}
}

func (s *CounterStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	e, ok := s.entries[key]
	if !ok || now.After(e.expiresAt) {
		e = &counterEntry{expiresAt: now.Add(ttl)}
		s.entries[key] = e
	}
	e.value++
	return e.value, nil
}

func (s *CounterStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || s.clock().After(e.expiresAt) {
		return 0, nil
	}
	return e.value, nil
}

func (s *CounterStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *CounterStore) Cleanup(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	evicted := 0
	for key, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, key)
			evicted++
		}
	}
	return evicted, nil
}
