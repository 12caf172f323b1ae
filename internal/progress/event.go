package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart      Stage = "RUN_START"
	StageRunHB         Stage = "RUN_HEARTBEAT"
	StageRunDone       Stage = "RUN_DONE"
	StageRunError      Stage = "RUN_ERROR"
	StagePageEvaluated Stage = "PAGE_EVALUATED"
)

// Event captures a single component of run progress.
type Event struct {
	// RunID uniquely identifies a crawl run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or page milestone occurred.
	Stage Stage
	// City scopes the event to the crawled city.
	City string
	// Mode names the operating mode for run lifecycle events.
	Mode string
	// Page is the 1-based page number for page events.
	Page int
	// Verdict carries the continue/stop outcome for page events.
	Verdict string
	// NewListings counts listings classified as new on the page.
	NewListings int64
	// DuplicateListings counts listings seen in an earlier run or page.
	DuplicateListings int64
	// StaleFraction is the page's stale evidence ratio.
	StaleFraction float64
	// Dur captures execution latency for pages and run completions.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. stop reasons).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart:
		if e.City == "" {
			return errors.New("run start requires city")
		}
		if e.Mode == "" {
			return errors.New("run start requires mode")
		}
	case StageRunHB, StageRunDone, StageRunError:
	case StagePageEvaluated:
		if e.Page < 1 {
			return errors.New("page event requires a positive page number")
		}
		if e.Verdict == "" {
			return errors.New("page event requires verdict")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.StaleFraction < 0 || e.StaleFraction > 1 {
		return errors.New("stale fraction must be in [0, 1]")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseRunID converts a textual run ID into the Event form. Run IDs
// that are not UUIDs get a deterministic namespace-hashed form so the
// hub never rejects them.
func ParseRunID(runID string) [16]byte {
	if parsed, err := uuid.Parse(runID); err == nil {
		return UUIDToBytes(parsed)
	}
	return UUIDToBytes(uuid.NewSHA1(uuid.NameSpaceURL, []byte(runID)))
}
