package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"keygate/internal/security"
)

// BlockStore implements security.BlockStore on PostgreSQL. This is the
// durable variant: manual blocks survive restarts and only explicit
// removal clears them.
type BlockStore struct {
	pool *pgxpool.Pool
}

func NewBlockStore(pool *pgxpool.Pool) *BlockStore {
	return &BlockStore{pool: pool}
}

func (s *BlockStore) Add(ctx context.Context, key, reason string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO blocked_identities (identity_key, reason, blocked_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (identity_key) DO NOTHING`,
		key, reason, at)
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	return nil
}

func (s *BlockStore) Remove(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM blocked_identities WHERE identity_key = $1`, key)
	if err != nil {
		return false, fmt.Errorf("delete block: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *BlockStore) Contains(ctx context.Context, key string) (string, bool, error) {
	var reason string
	err := s.pool.QueryRow(ctx,
		`SELECT reason FROM blocked_identities WHERE identity_key = $1`, key).Scan(&reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("select block: %w", err)
	}
	return reason, true, nil
}

func (s *BlockStore) List(ctx context.Context) ([]security.BlockedIdentity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT identity_key, reason, blocked_at FROM blocked_identities ORDER BY blocked_at`)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()
	var out []security.BlockedIdentity
	for rows.Next() {
		var b security.BlockedIdentity
		if err := rows.Scan(&b.IdentityKey, &b.Reason, &b.BlockedAt); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
