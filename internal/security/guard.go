// Package security implements the abuse-protection layer: fixed-window
// rate limiting, failed-attempt tracking with automatic blocking, the
// durable manual block list, identity screening, and anti-forgery tokens.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"keygate/internal/events"
)

// CounterStore is the ephemeral counter contract backing rate windows
// and failed-attempt tracking. Increment must be an atomic
// increment-and-get; the TTL is applied when the key is first created.
type CounterStore interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
	// Cleanup evicts expired counters. Backends with native expiry may
	// make this a no-op.
	Cleanup(ctx context.Context) (int, error)
}

// BlockedIdentity is a durable manual or auto-promoted block entry.
// Manual blocks never expire on their own; only Unblock removes them.
type BlockedIdentity struct {
	IdentityKey string    `json:"identity_key"`
	Reason      string    `json:"reason"`
	BlockedAt   time.Time `json:"blocked_at"`
}

// BlockStore is the durable block-list contract.
type BlockStore interface {
	Add(ctx context.Context, key, reason string, at time.Time) error
	Remove(ctx context.Context, key string) (bool, error)
	Contains(ctx context.Context, key string) (reason string, blocked bool, err error)
	List(ctx context.Context) ([]BlockedIdentity, error)
}

// GuardConfig tunes the abuse thresholds.
type GuardConfig struct {
	// FailedAttemptThreshold promotes an identity onto the durable block
	// list exactly when the counter reaches it.
	FailedAttemptThreshold int
	// BlockDuration is the TTL of the failed-attempt counter.
	BlockDuration time.Duration
	// AllowPrivateNetworks bypasses the reserved-range check outside
	// production.
	AllowPrivateNetworks bool
}

// Guard enforces rate limits and identity screening. All shared state
// lives in the injected stores; Guard itself is read-only after
// construction and safe for concurrent use.
type Guard struct {
	counters CounterStore
	blocks   BlockStore
	bus      *events.Bus
	cfg      GuardConfig
	clock    func() time.Time
	logger   *slog.Logger
}

// NewGuard wires the security guard from its collaborators.
func NewGuard(counters CounterStore, blocks BlockStore, bus *events.Bus, cfg GuardConfig, logger *slog.Logger) *Guard {
	if cfg.FailedAttemptThreshold <= 0 {
		cfg.FailedAttemptThreshold = 10
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		counters: counters,
		blocks:   blocks,
		bus:      bus,
		cfg:      cfg,
		clock:    time.Now,
		logger:   logger.With(slog.String("component", "security_guard")),
	}
}

func rateKey(identity string, windowStart int64) string {
	return fmt.Sprintf("rate:%s:%d", identity, windowStart)
}

func failKey(identity string) string {
	return "fail:" + identity
}

// CheckRate applies a fixed-window counter: the first limit calls within
// the window pass, the next one fails with ErrRateLimitExceeded. The
// counter resets when the window's TTL lapses.
func (g *Guard) CheckRate(ctx context.Context, identityKey string, limit int, window time.Duration) error {
	if limit <= 0 || window <= 0 {
		return nil
	}
	now := g.clock()
	windowStart := now.Unix() - now.Unix()%int64(window.Seconds())
	n, err := g.counters.Increment(ctx, rateKey(identityKey, windowStart), window)
	if err != nil {
		return fmt.Errorf("rate counter increment: %w", err)
	}
	if n > int64(limit) {
		g.bus.Publish(ctx, events.NewSecurityRateLimitExceeded(now, identityKey, limit))
		g.logger.WarnContext(ctx, "rate limit exceeded",
			slog.String("identity", identityKey),
			slog.Int64("count", n),
			slog.Int("limit", limit))
		return ErrRateLimitExceeded
	}
	return nil
}

// RecordFailedAttempt atomically bumps the failure counter for the
// identity. Reaching the threshold (exactly, not before) inserts a
// durable block entry and emits a security event. Returns the new count.
func (g *Guard) RecordFailedAttempt(ctx context.Context, identityKey, kind string) (int64, error) {
	n, err := g.counters.Increment(ctx, failKey(identityKey), g.cfg.BlockDuration)
	if err != nil {
		return 0, fmt.Errorf("failed-attempt increment: %w", err)
	}
	g.logger.WarnContext(ctx, "failed attempt recorded",
		slog.String("identity", identityKey),
		slog.String("kind", kind),
		slog.Int64("count", n))
	if n == int64(g.cfg.FailedAttemptThreshold) {
		reason := fmt.Sprintf("auto-blocked after %d failed %s attempts", n, kind)
		if err := g.blocks.Add(ctx, identityKey, reason, g.clock()); err != nil {
			return n, fmt.Errorf("auto-block insert: %w", err)
		}
		g.bus.Publish(ctx, events.NewSecurityIPBlocked(g.clock(), identityKey, reason))
	}
	return n, nil
}

// IsAutoBlocked reports whether the ephemeral failure counter has reached
// the configured threshold.
func (g *Guard) IsAutoBlocked(ctx context.Context, identityKey string) (bool, error) {
	n, err := g.counters.Get(ctx, failKey(identityKey))
	if err != nil {
		return false, fmt.Errorf("failed-attempt read: %w", err)
	}
	return n >= int64(g.cfg.FailedAttemptThreshold), nil
}

// IdentityVerdict is the result of screening an identity key.
type IdentityVerdict struct {
	Blocked bool
	Reason  string
}

// CheckIdentity screens in order: format validity, reserved/private
// ranges (unless bypassed), the durable block list, then the ephemeral
// failed-attempt counter.
func (g *Guard) CheckIdentity(ctx context.Context, identityKey string) (IdentityVerdict, error) {
	if identityKey == "" {
		return IdentityVerdict{Blocked: true, Reason: "empty identity"}, ErrInvalidIdentity
	}
	if ip := net.ParseIP(identityKey); ip != nil && !g.cfg.AllowPrivateNetworks {
		if isReservedAddress(ip) {
			return IdentityVerdict{Blocked: true, Reason: "reserved address range"}, ErrReservedAddress
		}
	}
	reason, blocked, err := g.blocks.Contains(ctx, identityKey)
	if err != nil {
		return IdentityVerdict{}, fmt.Errorf("block list lookup: %w", err)
	}
	if blocked {
		return IdentityVerdict{Blocked: true, Reason: reason}, ErrIdentityBlocked
	}
	auto, err := g.IsAutoBlocked(ctx, identityKey)
	if err != nil {
		return IdentityVerdict{}, err
	}
	if auto {
		return IdentityVerdict{Blocked: true, Reason: "too many failed attempts"}, ErrIdentityBlocked
	}
	return IdentityVerdict{}, nil
}

// Block adds a durable manual block entry.
func (g *Guard) Block(ctx context.Context, identityKey, reason string) error {
	if identityKey == "" {
		return ErrInvalidIdentity
	}
	if reason == "" {
		reason = "manually blocked"
	}
	now := g.clock()
	if err := g.blocks.Add(ctx, identityKey, reason, now); err != nil {
		return fmt.Errorf("block insert: %w", err)
	}
	g.bus.Publish(ctx, events.NewSecurityIPBlocked(now, identityKey, reason))
	return nil
}

// Unblock removes a durable block entry and clears the failure counter
// so the identity does not immediately re-trip the auto block.
func (g *Guard) Unblock(ctx context.Context, identityKey string) (bool, error) {
	removed, err := g.blocks.Remove(ctx, identityKey)
	if err != nil {
		return false, fmt.Errorf("block remove: %w", err)
	}
	if err := g.counters.Delete(ctx, failKey(identityKey)); err != nil {
		return removed, fmt.Errorf("failure counter reset: %w", err)
	}
	return removed, nil
}

// ListBlocked returns the durable block list.
func (g *Guard) ListBlocked(ctx context.Context) ([]BlockedIdentity, error) {
	return g.blocks.List(ctx)
}

// Cleanup evicts expired rate-window and failed-attempt counters. The
// durable block list is never touched here.
func (g *Guard) Cleanup(ctx context.Context) (int, error) {
	evicted, err := g.counters.Cleanup(ctx)
	if err != nil {
		return 0, fmt.Errorf("counter cleanup: %w", err)
	}
	if evicted > 0 {
		g.logger.Debug("evicted expired counters", slog.Int("count", evicted))
	}
	return evicted, nil
}

// isReservedAddress reports loopback, private, link-local, unspecified,
// and multicast addresses.
func isReservedAddress(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast()
}
