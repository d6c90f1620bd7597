package memory

import (
	"context"
	"sync"
	"time"

	"keygate/internal/license"
)

type activationKey struct {
	licenseID string
	domain    string
}

// ActivationStore is an in-memory license.ActivationStore. The single
// mutex makes the count-check-then-insert in Upsert atomic, which is the
// whole point of the contract: concurrent activations near the limit
// serialize here.
type ActivationStore struct {
	mu   sync.Mutex
	rows map[activationKey]*license.Activation
}

func NewActivationStore() *ActivationStore {
	return &ActivationStore{rows: make(map[activationKey]*license.Activation)}
}

func (s *ActivationStore) Upsert(_ context.Context, act *license.Activation, maxActive int) (*license.Activation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := activationKey{act.LicenseID, act.Domain}
	if existing, ok := s.rows[key]; ok && existing.IsActive {
		existing.LastSeenAt = act.LastSeenAt
		existing.ValidationCount++
		if act.IPHash != "" {
			existing.IPHash = act.IPHash
		}
		if act.UserAgentHash != "" {
			existing.UserAgentHash = act.UserAgentHash
		}
		cp := *existing
		return &cp, nil
	}

	if !act.IsDeveloper && maxActive > 0 && s.countActiveLocked(act.LicenseID) >= maxActive {
		return nil, license.ErrActivationLimitExceeded
	}

	// Reuse a soft-deactivated row's identity when the domain rebinds.
	if existing, ok := s.rows[key]; ok {
		act.ID = existing.ID
	}
	cp := *act
	s.rows[key] = &cp
	out := cp
	return &out, nil
}

func (s *ActivationStore) countActiveLocked(licenseID string) int {
	n := 0
	for _, a := range s.rows {
		if a.LicenseID == licenseID && a.IsActive && !a.IsDeveloper {
			n++
		}
	}
	return n
}

func (s *ActivationStore) Find(_ context.Context, licenseID, domain string) (*license.Activation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[activationKey{licenseID, domain}]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *ActivationStore) FindByLicense(_ context.Context, licenseID string) ([]*license.Activation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*license.Activation
	for _, a := range s.rows {
		if a.LicenseID == licenseID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *ActivationStore) CountActive(_ context.Context, licenseID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countActiveLocked(licenseID), nil
}

func (s *ActivationStore) Deactivate(_ context.Context, licenseID, domain, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[activationKey{licenseID, domain}]
	if !ok || !a.IsActive {
		return false, nil
	}
	now := time.Now()
	a.IsActive = false
	a.DeactivatedAt = &now
	a.DeactivationReason = reason
	return true, nil
}

func (s *ActivationStore) CleanupOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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
