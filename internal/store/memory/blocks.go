package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"keygate/internal/security"
)

// BlockStore is an in-memory durable block list. Durable here means it
// survives until explicit removal, not across process restarts; use the
// postgres store when restarts must not forget manual blocks.
type BlockStore struct {
	mu      sync.RWMutex
	entries map[string]security.BlockedIdentity
}

func NewBlockStore() *BlockStore {
	return &BlockStore{entries: make(map[string]security.BlockedIdentity)}
}

func (s *BlockStore) Add(_ context.Context, key, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; exists {
		return nil
	}
	s.entries[key] = security.BlockedIdentity{IdentityKey: key, Reason: reason, BlockedAt: at}
	return nil
}

func (s *BlockStore) Remove(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.entries[key]
	delete(s.entries, key)
	return exists, nil
}

func (s *BlockStore) Contains(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e.Reason, ok, nil
}

func (s *BlockStore) List(_ context.Context) ([]security.BlockedIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]security.BlockedIdentity, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockedAt.Before(out[j].BlockedAt) })
	return out, nil
}
