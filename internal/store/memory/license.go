// Package memory provides mutex-guarded in-process implementations of
// every persistence contract. It backs tests and single-node
// deployments; the postgres and redis packages serve everything else.
package memory

import (
	"context"
	"sync"
	"time"

	"keygate/internal/license"
)

// LicenseStore is an in-memory license.Store.
type LicenseStore struct {
	mu       sync.RWMutex
	byID     map[string]*license.License
	byLookup map[string]string
}

func NewLicenseStore() *LicenseStore {
	return &LicenseStore{
		byID:     make(map[string]*license.License),
		byLookup: make(map[string]string),
	}
}

func (s *LicenseStore) Create(_ context.Context, lic *license.License) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byLookup[lic.KeyLookupHash]; exists {
		return license.ErrDuplicateLookupHash
	}
	cp := *lic
	s.byID[lic.ID] = &cp
	s.byLookup[lic.KeyLookupHash] = lic.ID
	return nil
}

func (s *LicenseStore) FindByID(_ context.Context, id string) (*license.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lic, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *lic
	return &cp, nil
}

func (s *LicenseStore) FindByLookupHash(_ context.Context, lookupHash string) (*license.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byLookup[lookupHash]
	if !ok {
		return nil, nil
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *LicenseStore) FindBySubscriptionRef(_ context.Context, ref string) ([]*license.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*license.License
	for _, lic := range s.byID {
		if lic.SubscriptionRef != "" && lic.SubscriptionRef == ref {
			cp := *lic
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *LicenseStore) FindExpired(_ context.Context, now time.Time, limit int) ([]*license.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*license.License
	for _, lic := range s.byID {
		if lic.Status == license.StatusRevoked || lic.Status == license.StatusInactive {
			continue
		}
		if lic.ExpiresAt == nil || !now.After(*lic.ExpiresAt) {
			continue
		}
		if lic.EffectiveStatus(now) == lic.Status {
			continue
		}
		cp := *lic
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *LicenseStore) Update(_ context.Context, lic *license.License) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[lic.ID]; !ok {
		return license.ErrLicenseNotFound
	}
	cp := *lic
	s.byID[lic.ID] = &cp
	return nil
}
