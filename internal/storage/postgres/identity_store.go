// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tfaulkner/listing-crawler/internal/listing"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Pool is the subset of pgxpool.Pool the stores need; pgxmock
// satisfies it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// IdentityStoreConfig controls the connection pool used for identity rows.
type IdentityStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// IdentityStore persists listing identities in Postgres. The upsert is
// a single ON CONFLICT statement so concurrent runs observing the same
// canonical URL cannot lose updates.
type IdentityStore struct {
	pool  Pool
	table string
}

// NewIdentityStore creates a Postgres-backed IdentityStore using the
// provided config.
func NewIdentityStore(ctx context.Context, cfg IdentityStoreConfig) (*IdentityStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "listing_identities"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &IdentityStore{pool: pool, table: table}, nil
}

// NewIdentityStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewIdentityStoreWithPool(pool Pool, table string) (*IdentityStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "listing_identities"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &IdentityStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *IdentityStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Upsert records a sighting of url. On conflict first_seen_at and
// owning_run_id are preserved while last_seen_at advances and
// times_seen increments. The (xmax = 0) projection reports whether the
// row was freshly inserted.
func (s *IdentityStore) Upsert(ctx context.Context, url string, runID string, seenAt time.Time) (listing.IdentityRecord, bool, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (canonical_url, first_seen_at, last_seen_at, times_seen, owning_run_id)
VALUES ($1, $2, $2, 1, $3)
ON CONFLICT (canonical_url) DO UPDATE
SET last_seen_at = EXCLUDED.last_seen_at,
    times_seen = %s.times_seen + 1
RETURNING canonical_url, first_seen_at, last_seen_at, times_seen, owning_run_id, (xmax = 0) AS inserted`,
		s.table, s.table)

	var record listing.IdentityRecord
	var inserted bool
	err := s.pool.QueryRow(ctx, query, url, seenAt, runID).Scan(
		&record.CanonicalURL,
		&record.FirstSeenAt,
		&record.LastSeenAt,
		&record.TimesSeen,
		&record.OwningRunID,
		&inserted,
	)
	if err != nil {
		return listing.IdentityRecord{}, false, fmt.Errorf("upsert identity: %w", err)
	}
	return record, inserted, nil
}

// Get fetches a record by canonical URL without mutating it.
func (s *IdentityStore) Get(ctx context.Context, url string) (listing.IdentityRecord, bool, error) {
	query := fmt.Sprintf(`
SELECT canonical_url, first_seen_at, last_seen_at, times_seen, owning_run_id
FROM %s WHERE canonical_url = $1`, s.table)

	var record listing.IdentityRecord
	err := s.pool.QueryRow(ctx, query, url).Scan(
		&record.CanonicalURL,
		&record.FirstSeenAt,
		&record.LastSeenAt,
		&record.TimesSeen,
		&record.OwningRunID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return listing.IdentityRecord{}, false, nil
	}
	if err != nil {
		return listing.IdentityRecord{}, false, fmt.Errorf("get identity: %w", err)
	}
	return record, true, nil
}
