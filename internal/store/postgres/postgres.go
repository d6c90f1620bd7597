// Package postgres implements the persistence contracts on PostgreSQL
// via pgx. The activation-limit and key-uniqueness races are resolved at
// the database: a row lock on the license serializes the count-then-
// insert, and the unique index on key_lookup_hash is the uniqueness
// check for Create.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// Connect opens a pgx pool and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS licenses (
	id                 TEXT PRIMARY KEY,
	owner_id           TEXT NOT NULL,
	product_id         TEXT NOT NULL,
	order_ref          TEXT NOT NULL DEFAULT '',
	subscription_ref   TEXT NOT NULL DEFAULT '',
	key_hash           TEXT NOT NULL,
	key_lookup_hash    TEXT NOT NULL,
	status             TEXT NOT NULL,
	expires_at         TIMESTAMPTZ,
	grace_until        TIMESTAMPTZ,
	max_activations    INTEGER NOT NULL DEFAULT 0,
	failed_attempts    INTEGER NOT NULL DEFAULT 0,
	last_validation_at TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS licenses_key_lookup_hash_idx ON licenses (key_lookup_hash);
CREATE INDEX IF NOT EXISTS licenses_subscription_ref_idx ON licenses (subscription_ref) WHERE subscription_ref <> '';
CREATE INDEX IF NOT EXISTS licenses_expires_at_idx ON licenses (expires_at) WHERE expires_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS activations (
	id                  TEXT PRIMARY KEY,
	license_id          TEXT NOT NULL REFERENCES licenses (id),
	domain              TEXT NOT NULL,
	ip_hash             TEXT NOT NULL DEFAULT '',
	user_agent_hash     TEXT NOT NULL DEFAULT '',
	is_developer        BOOLEAN NOT NULL DEFAULT FALSE,
	is_active           BOOLEAN NOT NULL DEFAULT TRUE,
	activated_at        TIMESTAMPTZ NOT NULL,
	last_seen_at        TIMESTAMPTZ NOT NULL,
	validation_count    BIGINT NOT NULL DEFAULT 0,
	deactivated_at      TIMESTAMPTZ,
	deactivation_reason TEXT NOT NULL DEFAULT '',
	UNIQUE (license_id, domain)
);
CREATE INDEX IF NOT EXISTS activations_cleanup_idx ON activations (last_seen_at) WHERE NOT is_active;

CREATE TABLE IF NOT EXISTS signed_links (
	signature   TEXT PRIMARY KEY,
	subject_id  BIGINT NOT NULL,
	resource_id BIGINT NOT NULL,
	purpose     TEXT NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL,
	used_at     TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS signed_links_expires_at_idx ON signed_links (expires_at);

CREATE TABLE IF NOT EXISTS blocked_identities (
	identity_key TEXT PRIMARY KEY,
	reason       TEXT NOT NULL,
	blocked_at   TIMESTAMPTZ NOT NULL
);
`

// Migrate applies the schema. Idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
