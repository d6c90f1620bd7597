package license

import (
	"context"
	"time"
)

// fakeLicenseStore is a minimal in-test Store with map semantics
// matching the real backends.
type fakeLicenseStore struct {
	byID     map[string]*License
	byLookup map[string]string
	// createFailures makes the next N Create calls fail with
	// ErrDuplicateLookupHash to exercise the regeneration loop.
	createFailures int
}

func newFakeLicenseStore() *fakeLicenseStore {
	return &fakeLicenseStore{
		byID:     make(map[string]*License),
		byLookup: make(map[string]string),
	}
}

func (s *fakeLicenseStore) Create(_ context.Context, lic *License) error {
	if s.createFailures > 0 {
		s.createFailures--
		return ErrDuplicateLookupHash
	}
	if _, exists := s.byLookup[lic.KeyLookupHash]; exists {
		return ErrDuplicateLookupHash
	}
	cp := *lic
	s.byID[lic.ID] = &cp
	s.byLookup[lic.KeyLookupHash] = lic.ID
	return nil
}

func (s *fakeLicenseStore) FindByID(_ context.Context, id string) (*License, error) {
	lic, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *lic
	return &cp, nil
}

func (s *fakeLicenseStore) FindByLookupHash(_ context.Context, lookupHash string) (*License, error) {
	id, ok := s.byLookup[lookupHash]
	if !ok {
		return nil, nil
	}
	return s.FindByID(context.Background(), id)
}

func (s *fakeLicenseStore) FindBySubscriptionRef(_ context.Context, ref string) ([]*License, error) {
	var out []*License
	for _, lic := range s.byID {
		if lic.SubscriptionRef != "" && lic.SubscriptionRef == ref {
			cp := *lic
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeLicenseStore) FindExpired(_ context.Context, now time.Time, limit int) ([]*License, error) {
	var out []*License
	for _, lic := range s.byID {
		if lic.Status == StatusRevoked || lic.Status == StatusInactive {
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

func (s *fakeLicenseStore) Update(_ context.Context, lic *License) error {
	if _, ok := s.byID[lic.ID]; !ok {
		return ErrLicenseNotFound
	}
	cp := *lic
	s.byID[lic.ID] = &cp
	return nil
}

type fakeActivationKey struct {
	licenseID string
	domain    string
}

type fakeActivationStore struct {
	rows map[fakeActivationKey]*Activation
}

func newFakeActivationStore() *fakeActivationStore {
	return &fakeActivationStore{rows: make(map[fakeActivationKey]*Activation)}
}

func (s *fakeActivationStore) Upsert(_ context.Context, act *Activation, maxActive int) (*Activation, error) {
	key := fakeActivationKey{act.LicenseID, act.Domain}
	if existing, ok := s.rows[key]; ok && existing.IsActive {
		existing.LastSeenAt = act.LastSeenAt
		existing.ValidationCount++
		cp := *existing
		return &cp, nil
	}
	if !act.IsDeveloper && maxActive > 0 {
		n := 0
		for _, a := range s.rows {
			if a.LicenseID == act.LicenseID && a.IsActive && !a.IsDeveloper {
				n++
			}
		}
		if n >= maxActive {
			return nil, ErrActivationLimitExceeded
		}
	}
	if existing, ok := s.rows[key]; ok {
		act.ID = existing.ID
	}
	cp := *act
	s.rows[key] = &cp
	out := cp
	return &out, nil
}

func (s *fakeActivationStore) Find(_ context.Context, licenseID, domain string) (*Activation, error) {
	a, ok := s.rows[fakeActivationKey{licenseID, domain}]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *fakeActivationStore) FindByLicense(_ context.Context, licenseID string) ([]*Activation, error) {
	var out []*Activation
	for _, a := range s.rows {
		if a.LicenseID == licenseID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeActivationStore) CountActive(_ context.Context, licenseID string) (int, error) {
	n := 0
	for _, a := range s.rows {
		if a.LicenseID == licenseID && a.IsActive && !a.IsDeveloper {
			n++
		}
	}
	return n, nil
}

func (s *fakeActivationStore) Deactivate(_ context.Context, licenseID, domain, reason string) (bool, error) {
	a, ok := s.rows[fakeActivationKey{licenseID, domain}]
	if !ok || !a.IsActive {
		return false, nil
	}
	now := time.Now()
	a.IsActive = false
	a.DeactivatedAt = &now
	a.DeactivationReason = reason
	return true, nil
}

func (s *fakeActivationStore) CleanupOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	for key, a := range s.rows {
		if a.IsActive {
			continue
		}
		stale := a.LastSeenAt.Before(cutoff)
		if a.DeactivatedAt != nil {
			stale = a.DeactivatedAt.Before(cutoff)
		}
		if stale {
			delete(s.rows, key)
			removed++
		}
	}
	return removed, nil
}
