package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"keygate/internal/events"
)

const (
	// maxKeyGenerationAttempts bounds the retry loop on lookup-hash
	// collision. The insert is the actual uniqueness check; a collision is
	// astronomically rare but must be retried, not treated as fatal.
	maxKeyGenerationAttempts = 5

	// expirySweepBatch caps how many stale licenses one sweep pass loads.
	expirySweepBatch = 500
)

// SubscriptionStatus values accepted on the commerce-integration seam.
// Anything not in the active set maps to inactive.
var activeSubscriptionStates = map[string]bool{
	"active":   true,
	"trialing": true,
	"pending":  true,
}

// Lifecycle orchestrates license creation, activation, deactivation,
// validation, expiration/grace transitions, and revocation. It holds no
// mutable state of its own; shared state lives behind the injected
// store and ledger.
type Lifecycle struct {
	codec  *KeyCodec
	store  Store
	ledger *Ledger
	bus    *events.Bus
	// gracePeriod is added to ExpiresAt to derive GraceUntil when the
	// creating caller does not set one explicitly.
	gracePeriod time.Duration
	clock       func() time.Time
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewLifecycle wires the state machine from its collaborators.
func NewLifecycle(codec *KeyCodec, store Store, ledger *Ledger, bus *events.Bus, gracePeriod time.Duration, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		codec:       codec,
		store:       store,
		ledger:      ledger,
		bus:         bus,
		gracePeriod: gracePeriod,
		clock:       time.Now,
		logger:      logger.With(slog.String("component", "license_lifecycle")),
		tracer:      otel.Tracer("keygate/license"),
	}
}

// CreateParams describes a new license. MaxActivations of 0 means
// unlimited; a nil ExpiresAt means the license never expires on its own.
type CreateParams struct {
	OwnerID         string
	ProductID       string
	OrderRef        string
	SubscriptionRef string
	MaxActivations  int
	ExpiresAt       *time.Time
	GraceUntil      *time.Time
}

// Create generates a key, persists the license with status active, and
// returns the plaintext key exactly once. Only the hashes are stored;
// the key is never re-derivable afterward.
func (lc *Lifecycle) Create(ctx context.Context, p CreateParams) (*License, string, error) {
	ctx, span := lc.tracer.Start(ctx, "license.create",
		trace.WithAttributes(attribute.String("product_id", p.ProductID)))
	defer span.End()

	if p.OwnerID == "" || p.ProductID == "" {
		return nil, "", fmt.Errorf("owner and product are required: %w", ErrInvalidFormat)
	}
	now := lc.clock()
	graceUntil := p.GraceUntil
	if graceUntil == nil && p.ExpiresAt != nil && lc.gracePeriod > 0 {
		g := p.ExpiresAt.Add(lc.gracePeriod)
		graceUntil = &g
	}

	var lastErr error
	for attempt := 1; attempt <= maxKeyGenerationAttempts; attempt++ {
		key, err := lc.codec.Generate()
		if err != nil {
			return nil, "", fmt.Errorf("key generation: %w", err)
		}
		hash, lookupHash := lc.codec.Hash(key)
		lic := &License{
			ID:              uuid.New().String(),
			OwnerID:         p.OwnerID,
			ProductID:       p.ProductID,
			OrderRef:        p.OrderRef,
			SubscriptionRef: p.SubscriptionRef,
			KeyHash:         hash,
			KeyLookupHash:   lookupHash,
			Status:          StatusActive,
			ExpiresAt:       p.ExpiresAt,
			GraceUntil:      graceUntil,
			MaxActivations:  p.MaxActivations,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		err = lc.store.Create(ctx, lic)
		if err == nil {
			lc.bus.Publish(ctx, events.NewLicenseCreated(now, lic.ID, lic.OwnerID, lic.ProductID, lc.codec.Mask(key)))
			lc.logger.InfoContext(ctx, "license created",
				slog.String("license_id", lic.ID),
				slog.String("key", lc.codec.Mask(key)),
				slog.Int("max_activations", lic.MaxActivations))
			return lic, key, nil
		}
		if errors.Is(err, ErrDuplicateLookupHash) {
			lastErr = err
			lc.logger.WarnContext(ctx, "lookup hash collision, regenerating key",
				slog.Int("attempt", attempt))
			continue
		}
		return nil, "", NewPersistenceError("license create", err)
	}
	return nil, "", fmt.Errorf("exhausted %d key generation attempts: %w", maxKeyGenerationAttempts, lastErr)
}

// resolve validates the key format, finds the license by lookup hash, and
// confirms the primary hash in constant time. Lazy expiry transitions are
// applied and persisted before the license is returned.
func (lc *Lifecycle) resolve(ctx context.Context, plaintextKey string) (*License, error) {
	key := lc.codec.Normalize(plaintextKey)
	if err := lc.codec.Validate(key); err != nil {
		return nil, err
	}
	_, lookupHash := lc.codec.Hash(key)
	lic, err := lc.store.FindByLookupHash(ctx, lookupHash)
	if err != nil {
		return nil, NewPersistenceError("license lookup", err)
	}
	if lic == nil || !lc.codec.Matches(key, lic.KeyHash) {
		return nil, ErrLicenseNotFound
	}
	if _, err := lc.applyTimeTransitions(ctx, lic); err != nil {
		return nil, err
	}
	return lic, nil
}

// applyTimeTransitions recomputes the effective status and persists it if
// it moved. Returns whether a transition happened.
func (lc *Lifecycle) applyTimeTransitions(ctx context.Context, lic *License) (bool, error) {
	now := lc.clock()
	eff := lic.EffectiveStatus(now)
	if eff == lic.Status {
		return false, nil
	}
	prev := lic.Status
	lic.Status = eff
	lic.UpdatedAt = now
	if err := lc.store.Update(ctx, lic); err != nil {
		return false, NewPersistenceError("license status update", err)
	}
	lc.logger.InfoContext(ctx, "license status transition",
		slog.String("license_id", lic.ID),
		slog.String("from", string(prev)),
		slog.String("to", string(eff)))
	if eff == StatusExpired {
		lc.bus.Publish(ctx, events.NewLicenseExpired(now, lic.ID))
	}
	return true, nil
}

// Activate binds a domain to the license identified by the plaintext key.
// Active and grace licenses may activate; revoked, expired, and inactive
// ones may not. Re-activation of an already-bound domain is idempotent.
func (lc *Lifecycle) Activate(ctx context.Context, plaintextKey, domain, ipHash, userAgentHash string) (*Activation, error) {
	ctx, span := lc.tracer.Start(ctx, "license.activate")
	defer span.End()

	lic, err := lc.resolve(ctx, plaintextKey)
	if err != nil {
		return nil, err
	}
	if err := activationAllowed(lic.Status); err != nil {
		return nil, err
	}
	act, err := lc.ledger.RecordOrTouch(ctx, lic.ID, domain, ipHash, userAgentHash, lic.MaxActivations)
	if err != nil {
		return nil, err
	}
	lc.bus.Publish(ctx, events.NewLicenseActivated(lc.clock(), lic.ID, act.Domain, act.IsDeveloper))
	lc.logger.InfoContext(ctx, "license activated",
		slog.String("license_id", lic.ID),
		slog.String("domain", act.Domain),
		slog.Bool("developer", act.IsDeveloper))
	return act, nil
}

func activationAllowed(s Status) error {
	switch s {
	case StatusActive, StatusGrace:
		return nil
	case StatusRevoked:
		return ErrLicenseRevoked
	case StatusExpired:
		return ErrLicenseExpired
	default:
		return ErrLicenseInactive
	}
}

// Deactivate releases the activation slot held by domain.
func (lc *Lifecycle) Deactivate(ctx context.Context, plaintextKey, domain, reason string) error {
	ctx, span := lc.tracer.Start(ctx, "license.deactivate")
	defer span.End()

	lic, err := lc.resolve(ctx, plaintextKey)
	if err != nil {
		return err
	}
	if lic.Status == StatusRevoked {
		return ErrLicenseRevoked
	}
	ok, err := lc.ledger.Deactivate(ctx, lic.ID, domain, reason)
	if err != nil {
		return err
	}
	if !ok {
		return ErrDomainNotAuthorized
	}
	lc.bus.Publish(ctx, events.NewLicenseDeactivated(lc.clock(), lic.ID, NormalizeDomain(domain), reason))
	return nil
}

// Validate checks the key against an authorized domain and reports the
// effective status. Expired and grace are reported, not raised; revoked
// is an error. The activation's ValidationCount and the license's
// LastValidationAt are updated on success.
func (lc *Lifecycle) Validate(ctx context.Context, plaintextKey, domain string) (*ValidationResult, error) {
	ctx, span := lc.tracer.Start(ctx, "license.validate")
	defer span.End()

	lic, err := lc.resolve(ctx, plaintextKey)
	if err != nil {
		return nil, err
	}
	if lic.Status == StatusRevoked {
		return nil, ErrLicenseRevoked
	}
	authorized, err := lc.ledger.IsAuthorized(ctx, lic.ID, domain)
	if err != nil {
		return nil, err
	}
	if !authorized {
		return nil, ErrDomainNotAuthorized
	}

	now := lc.clock()
	norm := NormalizeDomain(domain)
	// Touch the activation row unless this is an unpersisted developer
	// domain validating without a prior activation.
	if act, ferr := lc.ledger.store.Find(ctx, lic.ID, norm); ferr == nil && act != nil && act.IsActive {
		if _, uerr := lc.ledger.RecordOrTouch(ctx, lic.ID, norm, act.IPHash, act.UserAgentHash, lic.MaxActivations); uerr != nil {
			return nil, uerr
		}
	}
	lic.LastValidationAt = &now
	lic.UpdatedAt = now
	if err := lc.store.Update(ctx, lic); err != nil {
		return nil, NewPersistenceError("license validation update", err)
	}

	res := &ValidationResult{
		LicenseID:  lic.ID,
		Status:     lic.Status,
		ExpiresAt:  lic.ExpiresAt,
		GraceUntil: lic.GraceUntil,
	}
	lc.bus.Publish(ctx, events.NewLicenseValidated(now, lic.ID, norm, string(lic.Status)))
	return res, nil
}

// Revoke unconditionally and idempotently moves the license into its
// terminal state. No transition ever leaves revoked.
func (lc *Lifecycle) Revoke(ctx context.Context, licenseID, reason string) error {
	ctx, span := lc.tracer.Start(ctx, "license.revoke")
	defer span.End()

	lic, err := lc.store.FindByID(ctx, licenseID)
	if err != nil {
		return NewPersistenceError("license lookup", err)
	}
	if lic == nil {
		return ErrLicenseNotFound
	}
	if lic.Status == StatusRevoked {
		return nil
	}
	now := lc.clock()
	lic.Status = StatusRevoked
	lic.UpdatedAt = now
	if err := lc.store.Update(ctx, lic); err != nil {
		return NewPersistenceError("license revoke", err)
	}
	lc.bus.Publish(ctx, events.NewLicenseRevoked(now, lic.ID, reason))
	lc.logger.WarnContext(ctx, "license revoked",
		slog.String("license_id", lic.ID),
		slog.String("reason", reason))
	return nil
}

// OnSubscriptionStatusChanged is the sole integration seam with the
// commerce layer: host-platform subscription states collapse to
// active/inactive, and periodEnd replaces ExpiresAt. Revoked licenses
// are left untouched.
func (lc *Lifecycle) OnSubscriptionStatusChanged(ctx context.Context, subscriptionRef, newStatus string, periodEnd *time.Time) error {
	ctx, span := lc.tracer.Start(ctx, "license.subscription_sync",
		trace.WithAttributes(attribute.String("subscription_status", newStatus)))
	defer span.End()

	lics, err := lc.store.FindBySubscriptionRef(ctx, subscriptionRef)
	if err != nil {
		return NewPersistenceError("subscription lookup", err)
	}
	now := lc.clock()
	target := StatusInactive
	if activeSubscriptionStates[newStatus] {
		target = StatusActive
	}
	for _, lic := range lics {
		if lic.Status == StatusRevoked {
			continue
		}
		lic.Status = target
		if periodEnd != nil {
			lic.ExpiresAt = periodEnd
			if lc.gracePeriod > 0 {
				g := periodEnd.Add(lc.gracePeriod)
				lic.GraceUntil = &g
			}
		}
		lic.UpdatedAt = now
		if err := lc.store.Update(ctx, lic); err != nil {
			return NewPersistenceError("subscription status update", err)
		}
		lc.logger.InfoContext(ctx, "subscription status applied",
			slog.String("license_id", lic.ID),
			slog.String("subscription_status", newStatus),
			slog.String("license_status", string(target)))
	}
	return nil
}

// SyncExpiredStatuses is the scheduler-invoked sweep: every license whose
// expiry has passed but whose stored status has not caught up gets the
// lazy transition applied. Returns how many licenses moved.
func (lc *Lifecycle) SyncExpiredStatuses(ctx context.Context) (int, error) {
	ctx, span := lc.tracer.Start(ctx, "license.expiry_sweep")
	defer span.End()

	lics, err := lc.store.FindExpired(ctx, lc.clock(), expirySweepBatch)
	if err != nil {
		return 0, NewPersistenceError("expiry sweep", err)
	}
	moved := 0
	for _, lic := range lics {
		changed, err := lc.applyTimeTransitions(ctx, lic)
		if err != nil {
			return moved, err
		}
		if changed {
			moved++
		}
	}
	return moved, nil
}
