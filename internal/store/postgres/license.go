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

// LicenseStore implements license.Store on PostgreSQL.
type LicenseStore struct {
	pool *pgxpool.Pool
}

func NewLicenseStore(pool *pgxpool.Pool) *LicenseStore {
	return &LicenseStore{pool: pool}
}

const licenseColumns = `id, owner_id, product_id, order_ref, subscription_ref,
	key_hash, key_lookup_hash, status, expires_at, grace_until,
	max_activations, failed_attempts, last_validation_at, created_at, updated_at`

func (s *LicenseStore) Create(ctx context.Context, lic *license.License) error {
	query := `INSERT INTO licenses (` + licenseColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := s.pool.Exec(ctx, query,
		lic.ID, lic.OwnerID, lic.ProductID, lic.OrderRef, lic.SubscriptionRef,
		lic.KeyHash, lic.KeyLookupHash, string(lic.Status), lic.ExpiresAt, lic.GraceUntil,
		lic.MaxActivations, lic.FailedAttempts, lic.LastValidationAt, lic.CreatedAt, lic.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return license.ErrDuplicateLookupHash
		}
		return fmt.Errorf("insert license: %w", err)
	}
	return nil
}

func (s *LicenseStore) FindByID(ctx context.Context, id string) (*license.License, error) {
	return s.findOne(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE id = $1`, id)
}

func (s *LicenseStore) FindByLookupHash(ctx context.Context, lookupHash string) (*license.License, error) {
	return s.findOne(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE key_lookup_hash = $1`, lookupHash)
}

func (s *LicenseStore) findOne(ctx context.Context, query string, arg any) (*license.License, error) {
	row := s.pool.QueryRow(ctx, query, arg)
	lic, err := scanLicense(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select license: %w", err)
	}
	return lic, nil
}

func (s *LicenseStore) FindBySubscriptionRef(ctx context.Context, ref string) ([]*license.License, error) {
	if ref == "" {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE subscription_ref = $1`, ref)
	if err != nil {
		return nil, fmt.Errorf("select licenses by subscription: %w", err)
	}
	defer rows.Close()
	return collectLicenses(rows)
}

func (s *LicenseStore) FindExpired(ctx context.Context, now time.Time, limit int) ([]*license.License, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+licenseColumns+` FROM licenses
		 WHERE expires_at IS NOT NULL AND expires_at < $1
		   AND status IN ('active', 'grace')
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select expired licenses: %w", err)
	}
	defer rows.Close()
	return collectLicenses(rows)
}

func (s *LicenseStore) Update(ctx context.Context, lic *license.License) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE licenses SET
			status = $2, expires_at = $3, grace_until = $4, max_activations = $5,
			failed_attempts = $6, last_validation_at = $7, subscription_ref = $8,
			updated_at = $9
		 WHERE id = $1`,
		lic.ID, string(lic.Status), lic.ExpiresAt, lic.GraceUntil, lic.MaxActivations,
		lic.FailedAttempts, lic.LastValidationAt, lic.SubscriptionRef, lic.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update license: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return license.ErrLicenseNotFound
	}
	return nil
}

func scanLicense(row pgx.Row) (*license.License, error) {
	var lic license.License
	var status string
	err := row.Scan(
		&lic.ID, &lic.OwnerID, &lic.ProductID, &lic.OrderRef, &lic.SubscriptionRef,
		&lic.KeyHash, &lic.KeyLookupHash, &status, &lic.ExpiresAt, &lic.GraceUntil,
		&lic.MaxActivations, &lic.FailedAttempts, &lic.LastValidationAt, &lic.CreatedAt, &lic.UpdatedAt)
	if err != nil {
		return nil, err
	}
	lic.Status = license.Status(status)
	return &lic, nil
}

func collectLicenses(rows pgx.Rows) ([]*license.License, error) {
	var out []*license.License
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		out = append(out, lic)
	}
	return out, rows.Err()
}
