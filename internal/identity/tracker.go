// Package identity classifies observed listing URLs as new or
// previously seen, backed by a persistent identity store.
package identity

import (
	"context"

	"go.uber.org/zap"

	"github.com/tfaulkner/listing-crawler/internal/listing"
)

// Tracker records listing sightings across runs and sessions. Callers
// are responsible for URL normalization before handing URLs in; the
// tracker matches by exact canonical string.
type Tracker struct {
	store  listing.IdentityStore
	clock  listing.Clock
	logger *zap.Logger
}

// New constructs a Tracker.
func New(store listing.IdentityStore, clock listing.Clock, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, clock: clock, logger: logger}
}

// ClassifyAndRecord records one sighting of url and reports whether it
// was new. Re-observing the same URL, even within one page batch,
// truthfully counts the later sighting as a duplicate.
func (t *Tracker) ClassifyAndRecord(ctx context.Context, url string, runID string) (listing.Classification, error) {
	if url == "" {
		return "", listing.ContractViolationf("empty url")
	}
	_, inserted, err := t.store.Upsert(ctx, url, runID, t.clock.Now())
	if err != nil {
		return "", listing.StorageErrorf("upsert identity", err)
	}
	if inserted {
		return listing.ClassificationNew, nil
	}
	return listing.ClassificationDuplicate, nil
}

// ClassifyAndRecordMany classifies a page's URLs in order, one
// classification per input.
func (t *Tracker) ClassifyAndRecordMany(ctx context.Context, urls []string, runID string) (listing.BatchClassification, error) {
	batch := listing.BatchClassification{PerURL: make([]listing.Classification, 0, len(urls))}
	for _, url := range urls {
		classification, err := t.ClassifyAndRecord(ctx, url, runID)
		if err != nil {
			return listing.BatchClassification{}, err
		}
		batch.PerURL = append(batch.PerURL, classification)
		if classification == listing.ClassificationNew {
			batch.NewCount++
		} else {
			batch.DuplicateCount++
		}
	}
	t.logger.Debug("classified page batch",
		zap.String("run_id", runID),
		zap.Int("new", batch.NewCount),
		zap.Int("duplicate", batch.DuplicateCount),
	)
	return batch, nil
}

// IsKnown reports whether a URL has been seen before without recording
// a sighting (dry-run checks).
func (t *Tracker) IsKnown(ctx context.Context, url string) (bool, error) {
	if url == "" {
		return false, listing.ContractViolationf("empty url")
	}
	_, found, err := t.store.Get(ctx, url)
	if err != nil {
		return false, listing.StorageErrorf("get identity", err)
	}
	return found, nil
}
