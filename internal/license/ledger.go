package license

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/google/uuid"
)

// DefaultDeveloperDomains are the patterns recognized as development
// environments when no explicit configuration is supplied. Developer
// domains validate normally but never consume an activation slot.
var DefaultDeveloperDomains = []string{
	"localhost",
	"127.0.0.1",
	"*.local",
	"*.localhost",
	"*.test",
	"*.invalid",
}

// Ledger records and queries domain activations for licenses and owns
// the activation-count invariant. The check-then-insert for new domains
// is delegated to the store's atomic Upsert so two concurrent
// activations near the limit cannot both succeed past it.
type Ledger struct {
	store       ActivationStore
	devPatterns []string
	clock       func() time.Time
	logger      *slog.Logger
}

// NewLedger builds a ledger over the given activation store. Empty
// devPatterns falls back to DefaultDeveloperDomains.
func NewLedger(store ActivationStore, devPatterns []string, logger *slog.Logger) *Ledger {
	if len(devPatterns) == 0 {
		devPatterns = DefaultDeveloperDomains
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:       store,
		devPatterns: devPatterns,
		clock:       time.Now,
		logger:      logger.With(slog.String("component", "activation_ledger")),
	}
}

// NormalizeDomain lowercases and strips scheme, credentials, port, path,
// and trailing dots, leaving the bare host.
func NormalizeDomain(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexByte(d, '@'); i >= 0 {
		d = d[i+1:]
	}
	for _, sep := range []byte{'/', '?', '#'} {
		if i := strings.IndexByte(d, sep); i >= 0 {
			d = d[:i]
		}
	}
	// Strip a port, but leave IPv6 literals alone.
	if i := strings.LastIndexByte(d, ':'); i >= 0 && strings.Count(d, ":") == 1 {
		d = d[:i]
	}
	return strings.TrimSuffix(d, ".")
}

// IsDeveloperDomain reports whether the normalized domain matches a
// configured development pattern.
func (g *Ledger) IsDeveloperDomain(domain string) bool {
	for _, pattern := range g.devPatterns {
		if wildcard.Match(pattern, domain) {
			return true
		}
	}
	return false
}

// RecordOrTouch upserts the activation for (licenseID, domain). A first
// activation of a new non-developer domain counts against maxActive; a
// repeat activation only updates LastSeenAt and ValidationCount and can
// never change the active-activation count or fail on the limit.
func (g *Ledger) RecordOrTouch(ctx context.Context, licenseID, rawDomain, ipHash, userAgentHash string, maxActive int) (*Activation, error) {
	domain := NormalizeDomain(rawDomain)
	if domain == "" {
		return nil, ErrDomainNotAuthorized
	}
	now := g.clock()
	act := &Activation{
		ID:            uuid.New().String(),
		LicenseID:     licenseID,
		Domain:        domain,
		IPHash:        ipHash,
		UserAgentHash: userAgentHash,
		IsDeveloper:   g.IsDeveloperDomain(domain),
		IsActive:      true,
		ActivatedAt:   now,
		LastSeenAt:    now,
	}
	stored, err := g.store.Upsert(ctx, act, maxActive)
	if err != nil {
		return nil, NewPersistenceError("activation upsert", err)
	}
	return stored, nil
}

// IsAuthorized reports whether the domain may validate against the
// license: either a developer domain or one with a live activation.
func (g *Ledger) IsAuthorized(ctx context.Context, licenseID, rawDomain string) (bool, error) {
	domain := NormalizeDomain(rawDomain)
	if domain == "" {
		return false, nil
	}
	if g.IsDeveloperDomain(domain) {
		return true, nil
	}
	act, err := g.store.Find(ctx, licenseID, domain)
	if err != nil {
		return false, NewPersistenceError("activation lookup", err)
	}
	return act != nil && act.IsActive, nil
}

// CountActive returns the number of live non-developer activations.
func (g *Ledger) CountActive(ctx context.Context, licenseID string) (int, error) {
	n, err := g.store.CountActive(ctx, licenseID)
	if err != nil {
		return 0, NewPersistenceError("activation count", err)
	}
	return n, nil
}

// FindByLicense lists all activation rows for a license, live or not.
func (g *Ledger) FindByLicense(ctx context.Context, licenseID string) ([]*Activation, error) {
	acts, err := g.store.FindByLicense(ctx, licenseID)
	if err != nil {
		return nil, NewPersistenceError("activation list", err)
	}
	return acts, nil
}

// Deactivate soft-deletes the activation, freeing a slot. Returns false
// when no live activation existed for the domain.
func (g *Ledger) Deactivate(ctx context.Context, licenseID, rawDomain, reason string) (bool, error) {
	domain := NormalizeDomain(rawDomain)
	if reason == "" {
		reason = "deactivated by owner"
	}
	ok, err := g.store.Deactivate(ctx, licenseID, domain, reason)
	if err != nil {
		return false, NewPersistenceError("activation deactivate", err)
	}
	return ok, nil
}

// Cleanup permanently removes activations inactive for longer than the
// threshold. Invoked by the external scheduler; safe to run concurrently
// with live traffic since the store operates on an indexed predicate.
func (g *Ledger) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		return 0, fmt.Errorf("cleanup threshold must be positive, got %d days", olderThanDays)
	}
	cutoff := g.clock().AddDate(0, 0, -olderThanDays)
	removed, err := g.store.CleanupOlderThan(ctx, cutoff)
	if err != nil {
		return 0, NewPersistenceError("activation cleanup", err)
	}
	if removed > 0 {
		g.logger.Info("purged stale activations",
			slog.Int64("removed", removed),
			slog.Time("cutoff", cutoff))
	}
	return removed, nil
}
