package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/tfaulkner/listing-crawler/internal/listing"
)

// RunStore keeps run records and page-analysis history in memory.
type RunStore struct {
	mu       sync.RWMutex
	runs     map[string]listing.RunRecord
	order    []string
	analyses map[string][]listing.PageAnalysis
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:     make(map[string]listing.RunRecord),
		analyses: make(map[string][]listing.PageAnalysis),
	}
}

// CreateRun stores a new run record.
func (s *RunStore) CreateRun(_ context.Context, run listing.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return listing.StateErrorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run
	s.order = append(s.order, run.ID)
	return nil
}

// UpdateRun replaces the stored record for a run.
func (s *RunStore) UpdateRun(_ context.Context, run listing.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; !exists {
		return listing.StateErrorf("run %s not found", run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (listing.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return listing.RunRecord{}, fmt.Errorf("%w: %s", listing.ErrRunNotFound, runID)
	}
	return run, nil
}

// LatestCompleted returns the most recently finished completed run for
// a city, restricted to a mode when mode is non-empty.
func (s *RunStore) LatestCompleted(_ context.Context, city string, mode string) (listing.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best listing.RunRecord
	found := false
	for _, id := range s.order {
		run := s.runs[id]
		if run.City != city || run.Status != listing.RunStatusCompleted || run.EndedAt == nil {
			continue
		}
		if mode != "" && run.Mode != mode {
			continue
		}
		if !found || run.EndedAt.After(*best.EndedAt) {
			best = run
			found = true
		}
	}
	return best, found, nil
}

// RecordPageAnalysis appends an audit row for a run.
func (s *RunStore) RecordPageAnalysis(_ context.Context, runID string, analysis listing.PageAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[runID]; !exists {
		return listing.StateErrorf("run %s not found", runID)
	}
	s.analyses[runID] = append(s.analyses[runID], analysis)
	return nil
}

// ListPageAnalyses returns the ordered audit rows for a run.
func (s *RunStore) ListPageAnalyses(_ context.Context, runID string) ([]listing.PageAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.analyses[runID]
	out := make([]listing.PageAnalysis, len(rows))
	copy(out, rows)
	return out, nil
}
