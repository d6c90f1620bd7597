package license

import (
	"context"
	"time"
)

// Status represents the lifecycle state of a license.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusGrace    Status = "grace"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
)

// License is the persisted license record. The plaintext key is never
// stored; KeyHash and KeyLookupHash are independent HMACs of it.
type License struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	ProductID       string     `json:"product_id"`
	OrderRef        string     `json:"order_ref,omitempty"`
	SubscriptionRef string     `json:"subscription_ref,omitempty"`
	KeyHash         string     `json:"-"`
	KeyLookupHash   string     `json:"-"`
	Status          Status     `json:"status"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	GraceUntil      *time.Time `json:"grace_until,omitempty"`
	// MaxActivations of 0 means unlimited.
	MaxActivations   int        `json:"max_activations"`
	FailedAttempts   int        `json:"failed_attempts"`
	LastValidationAt *time.Time `json:"last_validation_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// EffectiveStatus recomputes the time-driven state of the license. Stored
// status is not authoritative for expiry: the transition to grace/expired
// happens lazily whenever the license is inspected.
func (l *License) EffectiveStatus(now time.Time) Status {
	switch l.Status {
	case StatusRevoked:
		return StatusRevoked
	case StatusInactive:
		return StatusInactive
	}
	if l.ExpiresAt == nil || !now.After(*l.ExpiresAt) {
		if l.Status == StatusGrace || l.Status == StatusExpired {
			// Expiry was pushed forward (renewal); the license is live again.
			return StatusActive
		}
		return l.Status
	}
	if l.GraceUntil != nil && !now.After(*l.GraceUntil) {
		return StatusGrace
	}
	return StatusExpired
}

// Unlimited reports whether the license has no activation cap.
func (l *License) Unlimited() bool { return l.MaxActivations <= 0 }

// Activation binds a license to a single normalized domain. (LicenseID,
// Domain) is unique; re-activating a bound domain updates the row in place.
type Activation struct {
	ID                 string     `json:"id"`
	LicenseID          string     `json:"license_id"`
	Domain             string     `json:"domain"`
	IPHash             string     `json:"-"`
	UserAgentHash      string     `json:"-"`
	IsDeveloper        bool       `json:"is_developer"`
	IsActive           bool       `json:"is_active"`
	ActivatedAt        time.Time  `json:"activated_at"`
	LastSeenAt         time.Time  `json:"last_seen_at"`
	ValidationCount    int64      `json:"validation_count"`
	DeactivatedAt      *time.Time `json:"deactivated_at,omitempty"`
	DeactivationReason string     `json:"deactivation_reason,omitempty"`
}

// ValidationResult is returned by Lifecycle.Validate after the lazy
// status recomputation.
type ValidationResult struct {
	LicenseID  string     `json:"license_id"`
	Status     Status     `json:"status"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	GraceUntil *time.Time `json:"grace_until,omitempty"`
}

// Store is the persistence contract for licenses. Create must treat the
// unique index on KeyLookupHash as the uniqueness check and return
// ErrDuplicateLookupHash on collision so the caller can retry with a
// fresh key.
type Store interface {
	Create(ctx context.Context, lic *License) error
	FindByID(ctx context.Context, id string) (*License, error)
	FindByLookupHash(ctx context.Context, lookupHash string) (*License, error)
	FindBySubscriptionRef(ctx context.Context, ref string) ([]*License, error)
	// FindExpired returns non-terminal licenses whose ExpiresAt is before
	// now and whose stored status has not caught up yet.
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*License, error)
	Update(ctx context.Context, lic *License) error
}

// ActivationStore is the persistence contract for the activation ledger.
// Upsert is keyed by (LicenseID, Domain) and must enforce maxActive
// atomically for new non-developer rows: when the count of active
// non-developer activations has reached maxActive (and maxActive > 0),
// it returns ErrActivationLimitExceeded without inserting.
type ActivationStore interface {
	Upsert(ctx context.Context, act *Activation, maxActive int) (*Activation, error)
	Find(ctx context.Context, licenseID, domain string) (*Activation, error)
	FindByLicense(ctx context.Context, licenseID string) ([]*Activation, error)
	CountActive(ctx context.Context, licenseID string) (int, error)
	Deactivate(ctx context.Context, licenseID, domain, reason string) (bool, error)
	// CleanupOlderThan permanently removes inactive rows whose
	// DeactivatedAt (or LastSeenAt for stale rows) is before cutoff.
	CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
