package listing

import (
	"context"
	"time"
)

// IdentityStore persists listing identity records keyed by canonical URL.
// Implementations must provide insert-or-update semantics on the unique
// URL key so concurrent runs observing the same URL do not lose updates.
type IdentityStore interface {
	// Upsert records a sighting of url at seenAt. It returns the record
	// after the write plus whether the URL was newly inserted.
	Upsert(ctx context.Context, url string, runID string, seenAt time.Time) (IdentityRecord, bool, error)
	// Get fetches a record by canonical URL without mutating it.
	Get(ctx context.Context, url string) (IdentityRecord, bool, error)
}

// RunStore persists run records and their page-analysis audit rows.
type RunStore interface {
	CreateRun(ctx context.Context, run RunRecord) error
	UpdateRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, runID string) (RunRecord, error)
	// LatestCompleted returns the most recent completed run for a city,
	// restricted to the given mode when mode is non-empty.
	LatestCompleted(ctx context.Context, city string, mode string) (RunRecord, bool, error)
	RecordPageAnalysis(ctx context.Context, runID string, analysis PageAnalysis) error
	ListPageAnalyses(ctx context.Context, runID string) ([]PageAnalysis, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
