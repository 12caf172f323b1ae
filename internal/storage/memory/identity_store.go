// Package memory provides in-memory store implementations for
// development and testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tfaulkner/listing-crawler/internal/listing"
)

// IdentityStore keeps identity records in a mutex-guarded map.
type IdentityStore struct {
	mu      sync.RWMutex
	records map[string]listing.IdentityRecord
}

// NewIdentityStore constructs an IdentityStore.
func NewIdentityStore() *IdentityStore {
	return &IdentityStore{records: make(map[string]listing.IdentityRecord)}
}

// Upsert inserts a record on first sighting or bumps last_seen and
// times_seen on re-observation. first_seen and the owning run never
// change after insertion.
func (s *IdentityStore) Upsert(_ context.Context, url string, runID string, seenAt time.Time) (listing.IdentityRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.records[url]
	if !exists {
		record = listing.IdentityRecord{
			CanonicalURL: url,
			FirstSeenAt:  seenAt,
			LastSeenAt:   seenAt,
			TimesSeen:    1,
			OwningRunID:  runID,
		}
		s.records[url] = record
		return record, true, nil
	}

	record.LastSeenAt = seenAt
	record.TimesSeen++
	s.records[url] = record
	return record, false, nil
}

// Get fetches a record by canonical URL.
func (s *IdentityStore) Get(_ context.Context, url string) (listing.IdentityRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[url]
	return record, ok, nil
}

// Len reports how many distinct URLs are tracked.
func (s *IdentityStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
