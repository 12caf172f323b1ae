package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tfaulkner/listing-crawler/internal/listing"
)

// RunStoreConfig controls the connection pool used for run records.
type RunStoreConfig struct {
	DSN             string
	RunsTable       string
	AnalysesTable   string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// RunStore persists run records plus per-page audit rows in Postgres.
// The mode configuration snapshot rides along as JSONB.
type RunStore struct {
	pool          Pool
	runsTable     string
	analysesTable string
}

// NewRunStore creates a Postgres-backed RunStore using the provided config.
func NewRunStore(ctx context.Context, cfg RunStoreConfig) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	return NewRunStoreWithPool(pool, cfg.RunsTable, cfg.AnalysesTable)
}

// NewRunStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewRunStoreWithPool(pool Pool, runsTable, analysesTable string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if runsTable == "" {
		runsTable = "runs"
	}
	if analysesTable == "" {
		analysesTable = "page_analyses"
	}
	for _, table := range []string{runsTable, analysesTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &RunStore{pool: pool, runsTable: runsTable, analysesTable: analysesTable}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateRun inserts a new run row.
func (s *RunStore) CreateRun(ctx context.Context, run listing.RunRecord) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("marshal config snapshot: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, city, mode, started_at, ended_at,
	pages_scraped, listings_found, listings_saved,
	status, stop_reason, config
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, s.runsTable)

	args := []any{
		run.ID, run.City, run.Mode, run.StartedAt, run.EndedAt,
		run.PagesScraped, run.ListingsFound, run.ListingsSaved,
		string(run.Status), run.StopReason, configJSON,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun replaces the mutable columns of a run row.
func (s *RunStore) UpdateRun(ctx context.Context, run listing.RunRecord) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	ended_at = $2,
	pages_scraped = $3,
	listings_found = $4,
	listings_saved = $5,
	status = $6,
	stop_reason = $7
WHERE id = $1`, s.runsTable)

	tag, err := s.pool.Exec(ctx, query,
		run.ID, run.EndedAt, run.PagesScraped, run.ListingsFound,
		run.ListingsSaved, string(run.Status), run.StopReason,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}
	return nil
}

const runColumns = `id, city, mode, started_at, ended_at,
	pages_scraped, listings_found, listings_saved, status, stop_reason, config`

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(ctx context.Context, runID string) (listing.RunRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, runColumns, s.runsTable)
	run, err := s.scanRun(s.pool.QueryRow(ctx, query, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return listing.RunRecord{}, fmt.Errorf("%w: %s", listing.ErrRunNotFound, runID)
	}
	if err != nil {
		return listing.RunRecord{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// LatestCompleted returns the most recently finished completed run for
// a city, restricted to the given mode when mode is non-empty.
func (s *RunStore) LatestCompleted(ctx context.Context, city string, mode string) (listing.RunRecord, bool, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE city = $1 AND status = $2 AND ended_at IS NOT NULL
	AND ($3 = '' OR mode = $3)
ORDER BY ended_at DESC
LIMIT 1`, runColumns, s.runsTable)

	run, err := s.scanRun(s.pool.QueryRow(ctx, query, city, string(listing.RunStatusCompleted), mode))
	if errors.Is(err, pgx.ErrNoRows) {
		return listing.RunRecord{}, false, nil
	}
	if err != nil {
		return listing.RunRecord{}, false, fmt.Errorf("latest completed run: %w", err)
	}
	return run, true, nil
}

func (s *RunStore) scanRun(row pgx.Row) (listing.RunRecord, error) {
	var run listing.RunRecord
	var status string
	var configJSON []byte
	err := row.Scan(
		&run.ID, &run.City, &run.Mode, &run.StartedAt, &run.EndedAt,
		&run.PagesScraped, &run.ListingsFound, &run.ListingsSaved,
		&status, &run.StopReason, &configJSON,
	)
	if err != nil {
		return listing.RunRecord{}, err
	}
	run.Status = listing.RunStatus(status)
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &run.Config); err != nil {
			return listing.RunRecord{}, fmt.Errorf("unmarshal config snapshot: %w", err)
		}
	}
	return run, nil
}

// RecordPageAnalysis appends one audit row for a run.
func (s *RunStore) RecordPageAnalysis(ctx context.Context, runID string, analysis listing.PageAnalysis) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id, page_number, total_listings, parsed_listings,
	stale_count, fresh_count, stale_fraction, verdict, stop_reason, confidence
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, s.analysesTable)

	_, err := s.pool.Exec(ctx, query,
		runID, analysis.PageNumber, analysis.TotalListings, analysis.ParsedListings,
		analysis.StaleCount, analysis.FreshCount, analysis.StaleFraction,
		string(analysis.Verdict), analysis.StopReason, analysis.Confidence,
	)
	if err != nil {
		return fmt.Errorf("insert page analysis: %w", err)
	}
	return nil
}

// ListPageAnalyses returns the ordered audit rows for a run.
func (s *RunStore) ListPageAnalyses(ctx context.Context, runID string) ([]listing.PageAnalysis, error) {
	query := fmt.Sprintf(`
SELECT page_number, total_listings, parsed_listings,
	stale_count, fresh_count, stale_fraction, verdict, stop_reason, confidence
FROM %s WHERE run_id = $1
ORDER BY page_number ASC`, s.analysesTable)

	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list page analyses: %w", err)
	}
	defer rows.Close()

	var analyses []listing.PageAnalysis
	for rows.Next() {
		var a listing.PageAnalysis
		var verdict string
		err := rows.Scan(
			&a.PageNumber, &a.TotalListings, &a.ParsedListings,
			&a.StaleCount, &a.FreshCount, &a.StaleFraction,
			&verdict, &a.StopReason, &a.Confidence,
		)
		if err != nil {
			return nil, fmt.Errorf("scan page analysis: %w", err)
		}
		a.Verdict = listing.Verdict(verdict)
		analyses = append(analyses, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page analyses: %w", err)
	}
	return analyses, nil
}
