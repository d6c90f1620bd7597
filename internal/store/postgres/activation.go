package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"keygate/internal/license"
)

// ActivationStore implements license.ActivationStore on PostgreSQL.
type ActivationStore struct {
	pool *pgxpool.Pool
}

func NewActivationStore(pool *pgxpool.Pool) *ActivationStore {
	return &ActivationStore{pool: pool}
}

const activationColumns = `id, license_id, domain, ip_hash, user_agent_hash,
	is_developer, is_active, activated_at, last_seen_at, validation_count,
	deactivated_at, deactivation_reason`

// Upsert touches an existing live row or inserts a new one. For new
// non-developer rows the license row is locked first, making the
// count-check and insert a single serialized unit: two concurrent
// activations near the limit cannot both get past the count.
func (s *ActivationStore) Upsert(ctx context.Context, act *license.Activation, maxActive int) (*license.Activation, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin activation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Fast path: the domain is already bound, touch it in place.
	row := tx.QueryRow(ctx,
		`UPDATE activations
		 SET last_seen_at = $3, validation_count = validation_count + 1,
		     ip_hash = CASE WHEN $4 <> '' THEN $4 ELSE ip_hash END,
		     user_agent_hash = CASE WHEN $5 <> '' THEN $5 ELSE user_agent_hash END
		 WHERE license_id = $1 AND domain = $2 AND is_active
		 RETURNING `+activationColumns,
		act.LicenseID, act.Domain, act.LastSeenAt, act.IPHash, act.UserAgentHash)
	touched, err := scanActivation(row)
	if err == nil {
		return touched, tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("touch activation: %w", err)
	}

	if !act.IsDeveloper && maxActive > 0 {
		// Serialize concurrent first-activations on the license row.
		if _, err := tx.Exec(ctx,
			`SELECT 1 FROM licenses WHERE id = $1 FOR UPDATE`, act.LicenseID); err != nil {
			return nil, fmt.Errorf("lock license row: %w", err)
		}
		var active int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM activations
			 WHERE license_id = $1 AND is_active AND NOT is_developer`,
			act.LicenseID).Scan(&active); err != nil {
			return nil, fmt.Errorf("count active activations: %w", err)
		}
		if active >= maxActive {
			return nil, license.ErrActivationLimitExceeded
		}
	}

	row = tx.QueryRow(ctx,
		`INSERT INTO activations (`+activationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $8, 0, NULL, '')
		 ON CONFLICT (license_id, domain) DO UPDATE SET
			is_active = TRUE, is_developer = EXCLUDED.is_developer,
			last_seen_at = EXCLUDED.last_seen_at,
			ip_hash = EXCLUDED.ip_hash, user_agent_hash = EXCLUDED.user_agent_hash,
			deactivated_at = NULL, deactivation_reason = ''
		 RETURNING `+activationColumns,
		act.ID, act.LicenseID, act.Domain, act.IPHash, act.UserAgentHash,
		act.IsDeveloper, act.ActivatedAt, act.LastSeenAt)
	inserted, err := scanActivation(row)
	if err != nil {
		return nil, fmt.Errorf("insert activation: %w", err)
	}
	return inserted, tx.Commit(ctx)
}

func (s *ActivationStore) Find(ctx context.Context, licenseID, domain string) (*license.Activation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+activationColumns+` FROM activations WHERE license_id = $1 AND domain = $2`,
		licenseID, domain)
	act, err := scanActivation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select activation: %w", err)
	}
	return act, nil
}

func (s *ActivationStore) FindByLicense(ctx context.Context, licenseID string) ([]*license.Activation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+activationColumns+` FROM activations WHERE license_id = $1 ORDER BY activated_at`,
		licenseID)
	if err != nil {
		return nil, fmt.Errorf("select activations: %w", err)
	}
	defer rows.Close()
	var out []*license.Activation
	for rows.Next() {
		act, err := scanActivation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activation: %w", err)
		}
		out = append(out, act)
	}
	return out, rows.Err()
}

func (s *ActivationStore) CountActive(ctx context.Context, licenseID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM activations WHERE license_id = $1 AND is_active AND NOT is_developer`,
		licenseID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count activations: %w", err)
	}
	return n, nil
}

func (s *ActivationStore) Deactivate(ctx context.Context, licenseID, domain, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE activations
		 SET is_active = FALSE, deactivated_at = $3, deactivation_reason = $4
		 WHERE license_id = $1 AND domain = $2 AND is_active`,
		licenseID, domain, time.Now(), reason)
	if err != nil {
		return false, fmt.Errorf("deactivate activation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CleanupOlderThan deletes on the partial index over inactive rows, so
// it never takes table-wide locks against live traffic.
func (s *ActivationStore) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM activations
		 WHERE NOT is_active AND COALESCE(deactivated_at, last_seen_at) < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup activations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanActivation(row pgx.Row) (*license.Activation, error) {
	var act license.Activation
	err := row.Scan(
		&act.ID, &act.LicenseID, &act.Domain, &act.IPHash, &act.UserAgentHash,
		&act.IsDeveloper, &act.IsActive, &act.ActivatedAt, &act.LastSeenAt,
		&act.ValidationCount, &act.DeactivatedAt, &act.DeactivationReason)
	if err != nil {
		return nil, err
	}
	return &act, nil
}
