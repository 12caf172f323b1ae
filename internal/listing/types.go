// Package listing defines core types shared across subsystems.
package listing

import "time"

// PatternKind identifies which date expression pattern matched a listing text.
type PatternKind string

// Pattern kinds, ordered roughly from most to least reliable.
const (
	PatternHoursAgo            PatternKind = "hours_ago"
	PatternDaysAgo             PatternKind = "days_ago"
	PatternWeeksAgo            PatternKind = "weeks_ago"
	PatternMonthsAgo           PatternKind = "months_ago"
	PatternToday               PatternKind = "today"
	PatternYesterday           PatternKind = "yesterday"
	PatternAbsoluteDayMonthYear PatternKind = "absolute_dmy"
	PatternAbsoluteNamedMonth  PatternKind = "absolute_named_month"
	PatternNone                PatternKind = "none"
)

// DateParseResult is the outcome of one parse attempt. Immutable once built.
type DateParseResult struct {
	RawText      string      `json:"raw_text"`
	Kind         PatternKind `json:"matched_pattern_kind"`
	NumericValue int         `json:"numeric_value,omitempty"`
	ResolvedAt   *time.Time  `json:"resolved_timestamp,omitempty"`
	Confidence   float64     `json:"confidence"`
	Succeeded    bool        `json:"succeeded"`
}

// ParsingStatistics aggregates parse outcomes across a batch or a run.
// Returned as a value rather than kept as process-wide counters so the
// parser stays safe to call from concurrent runs.
type ParsingStatistics struct {
	Attempts  int                 `json:"attempts"`
	Successes int                 `json:"successes"`
	Failures  int                 `json:"failures"`
	ByKind    map[PatternKind]int `json:"by_kind,omitempty"`
}

// Merge folds another statistics value into this one.
func (s *ParsingStatistics) Merge(other ParsingStatistics) {
	s.Attempts += other.Attempts
	s.Successes += other.Successes
	s.Failures += other.Failures
	if len(other.ByKind) == 0 {
		return
	}
	if s.ByKind == nil {
		s.ByKind = make(map[PatternKind]int, len(other.ByKind))
	}
	for kind, n := range other.ByKind {
		s.ByKind[kind] += n
	}
}

// Classification says whether an observed URL was seen before.
type Classification string

// Identity classifications.
const (
	ClassificationNew       Classification = "new"
	ClassificationDuplicate Classification = "duplicate"
)

// IdentityRecord is the persisted identity of one observed listing.
type IdentityRecord struct {
	CanonicalURL string    `json:"canonical_url"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	TimesSeen    int       `json:"times_seen"`
	OwningRunID  string    `json:"owning_run_id,omitempty"`
}

// BatchClassification is the result of classifying one page's URLs.
type BatchClassification struct {
	NewCount       int              `json:"new_count"`
	DuplicateCount int              `json:"duplicate_count"`
	PerURL         []Classification `json:"per_url"`
}

// Verdict is the per-page (and final) continue/stop decision.
type Verdict string

// Verdict values.
const (
	VerdictContinue Verdict = "continue"
	VerdictStop     Verdict = "stop"
)

// PageAnalysis is the transient result of analyzing one page's dates.
type PageAnalysis struct {
	PageNumber      int     `json:"page_number"`
	TotalListings   int     `json:"total_listings"`
	ParsedListings  int     `json:"listings_with_parsed_date"`
	StaleCount      int     `json:"stale_count"`
	FreshCount      int     `json:"fresh_count"`
	StaleFraction   float64 `json:"stale_fraction"`
	Verdict         Verdict `json:"verdict"`
	StopReason      string  `json:"stop_reason,omitempty"`
	Confidence      float64 `json:"confidence"`
}

// Decision is the aggregated crawl-termination decision.
type Decision struct {
	ShouldStop bool    `json:"should_stop"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// PageEvaluation is the combined per-page result returned to the fetch loop.
type PageEvaluation struct {
	Verdict        Verdict `json:"verdict"`
	Reason         string  `json:"reason"`
	Confidence     float64 `json:"confidence"`
	NewListings    int     `json:"new_listing_count"`
	DuplicateListings int  `json:"duplicate_listing_count"`
}

// RunStatus represents the lifecycle state of a crawl run.
type RunStatus string

// Run status values persisted in the run store.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// ModeConfig is the immutable bundle of stopping-policy thresholds for a run.
type ModeConfig struct {
	Name                    string        `json:"name" mapstructure:"name"`
	StaleFractionThreshold  float64       `json:"stale_fraction_threshold" mapstructure:"stale_fraction_threshold"`
	CutoffBuffer            time.Duration `json:"cutoff_buffer" mapstructure:"cutoff_buffer"`
	MaxPagesSafetyLimit     int           `json:"max_pages_safety_limit" mapstructure:"max_pages_safety_limit"`
	MinListingsPerPage      int           `json:"min_listings_per_page" mapstructure:"min_listings_per_page"`
	RequiredConsecutiveStops int          `json:"required_consecutive_stop_pages" mapstructure:"required_consecutive_stop_pages"`
	MinPagesBeforeStopping  int           `json:"min_pages_before_stopping" mapstructure:"min_pages_before_stopping"`
	GlobalStaleAbortThreshold float64     `json:"global_stale_fraction_abort_threshold" mapstructure:"global_stale_fraction_abort_threshold"`
	// RangeStart/RangeEnd bound the DateRange mode: listings outside
	// [RangeStart, RangeEnd) are excluded from stale and fresh counts.
	RangeStart *time.Time `json:"range_start,omitempty" mapstructure:"range_start"`
	RangeEnd   *time.Time `json:"range_end,omitempty" mapstructure:"range_end"`
}

// RunRecord is the persisted state of one scraping session.
type RunRecord struct {
	ID            string     `json:"id"`
	City          string     `json:"city"`
	Mode          string     `json:"mode"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	PagesScraped  int        `json:"pages_scraped"`
	ListingsFound int        `json:"listings_found"`
	ListingsSaved int        `json:"listings_saved"`
	Status        RunStatus  `json:"status"`
	StopReason    string     `json:"stop_reason,omitempty"`
	Config        ModeConfig `json:"configuration_snapshot"`
}

// RunReport bundles a finalized run with its page-analysis history.
type RunReport struct {
	Run   RunRecord      `json:"run"`
	Pages []PageAnalysis `json:"pages"`
}
