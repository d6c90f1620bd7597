// Package signedlink issues and verifies HMAC-signed, time-bound
// resource URLs for the download path. Authenticity and expiry are
// proven by the signature alone; persistence is optional and only needed
// for auditing and single-use enforcement.
package signedlink

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrExpired          = errors.New("signed link expired")
	ErrSignatureInvalid = errors.New("signed link signature invalid")
	ErrAlreadyUsed      = errors.New("signed link already redeemed")
)

// Link is an issued signed link. Signature is a deterministic function
// of (SubjectID, ResourceID, Purpose, ExpiresAt, secret); altering any
// field invalidates it.
type Link struct {
	Signature  string     `json:"signature"`
	SubjectID  int64      `json:"subject_id"`
	ResourceID int64      `json:"resource_id"`
	Purpose    string     `json:"purpose"`
	ExpiresAt  time.Time  `json:"expires_at"`
	UsedAt     *time.Time `json:"used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Store persists issued links for auditing and single-use tracking.
// MarkUsed must be an atomic compare-and-set on UsedAt so two concurrent
// redemptions cannot both succeed.
type Store interface {
	Save(ctx context.Context, link *Link) error
	MarkUsed(ctx context.Context, signature string, at time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Service issues and verifies signed links. A nil store disables
// auditing and single-use tracking entirely.
type Service struct {
	secret []byte
	store  Store
	// singleUse marks purposes whose links may be redeemed once. All
	// other purposes stay reusable within their TTL.
	singleUse map[string]bool
	clock     func() time.Time
	logger    *slog.Logger
}

// NewService builds the service. singleUsePurposes may be nil.
func NewService(secret []byte, store Store, singleUsePurposes []string, logger *slog.Logger) (*Service, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("signed link secret must be at least 16 bytes, got %d", len(secret))
	}
	su := make(map[string]bool, len(singleUsePurposes))
	for _, p := range singleUsePurposes {
		su[p] = true
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		secret:    secret,
		store:     store,
		singleUse: su,
		clock:     time.Now,
		logger:    logger.With(slog.String("component", "signed_link")),
	}, nil
}

// Issue creates a signed link for the subject/resource pair, expiring
// after ttl.
func (s *Service) Issue(ctx context.Context, subjectID, resourceID int64, purpose string, ttl time.Duration) (*Link, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("signed link ttl must be positive, got %s", ttl)
	}
	now := s.clock()
	link := &Link{
		SubjectID:  subjectID,
		ResourceID: resourceID,
		Purpose:    purpose,
		ExpiresAt:  now.Add(ttl).Truncate(time.Second),
		CreatedAt:  now,
	}
	link.Signature = s.sign(subjectID, resourceID, purpose, link.ExpiresAt.Unix())
	if s.store != nil {
		if err := s.store.Save(ctx, link); err != nil {
			return nil, fmt.Errorf("signed link save: %w", err)
		}
	}
	return link, nil
}

// Verify checks expiry first, then recomputes the HMAC over the caller's
// claimed tuple and compares in constant time. For single-use purposes
// with a store attached, a successful verification also consumes the
// link atomically.
func (s *Service) Verify(ctx context.Context, subjectID, resourceID int64, expiresAt int64, purpose, signature string) error {
	if s.clock().Unix() > expiresAt {
		return ErrExpired
	}
	expected := s.sign(subjectID, resourceID, purpose, expiresAt)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return ErrSignatureInvalid
	}
	if s.singleUse[purpose] && s.store != nil {
		ok, err := s.store.MarkUsed(ctx, signature, s.clock())
		if err != nil {
			return fmt.Errorf("signed link redemption: %w", err)
		}
		if !ok {
			return ErrAlreadyUsed
		}
	}
	return nil
}

// CleanupExpired purges persisted link records past expiry. A nil store
// means there is nothing to purge.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	if s.store == nil {
		return 0, nil
	}
	removed, err := s.store.DeleteExpired(ctx, s.clock())
	if err != nil {
		return 0, fmt.Errorf("signed link cleanup: %w", err)
	}
	if removed > 0 {
		s.logger.Debug("purged expired signed links", slog.Int64("removed", removed))
	}
	return removed, nil
}

func (s *Service) sign(subjectID, resourceID int64, purpose string, expiresAt int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%d|%d|%s|%d", subjectID, resourceID, purpose, expiresAt)
	return hex.EncodeToString(mac.Sum(nil))
}
