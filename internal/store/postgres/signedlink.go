package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"keygate/internal/signedlink"
)

// SignedLinkStore implements signedlink.Store on PostgreSQL.
type SignedLinkStore struct {
	pool *pgxpool.Pool
}

func NewSignedLinkStore(pool *pgxpool.Pool) *SignedLinkStore {
	return &SignedLinkStore{pool: pool}
}

func (s *SignedLinkStore) Save(ctx context.Context, link *signedlink.Link) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO signed_links (signature, subject_id, resource_id, purpose, expires_at, used_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (signature) DO NOTHING`,
		link.Signature, link.SubjectID, link.ResourceID, link.Purpose,
		link.ExpiresAt, link.UsedAt, link.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert signed link: %w", err)
	}
	return nil
}

// MarkUsed is the single-use compare-and-set: the conditional UPDATE on
// used_at IS NULL lets exactly one concurrent redemption through.
func (s *SignedLinkStore) MarkUsed(ctx context.Context, signature string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE signed_links SET used_at = $2 WHERE signature = $1 AND used_at IS NULL`,
		signature, at)
	if err != nil {
		return false, fmt.Errorf("mark signed link used: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	// Distinguish a missing audit row (fresh redemption) from a consumed
	// one.
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM signed_links WHERE signature = $1)`, signature).Scan(&exists); err != nil {
		return false, fmt.Errorf("check signed link: %w", err)
	}
	return !exists, nil
}

func (s *SignedLinkStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM signed_links WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("cleanup signed links: %w", err)
	}
	return tag.RowsAffected(), nil
}
