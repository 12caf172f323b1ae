// Package mode defines the named operating modes and their
// stopping-policy thresholds.
package mode

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tfaulkner/listing-crawler/internal/listing"
)

// Mode names accepted by the catalog.
const (
	Incremental  = "incremental"
	Full         = "full"
	Conservative = "conservative"
	DateRange    = "daterange"
	Custom       = "custom"
)

// Overrides carries optional caller-supplied threshold replacements.
// Nil fields keep the preset value.
type Overrides struct {
	StaleFractionThreshold    *float64       `json:"stale_fraction_threshold,omitempty"`
	CutoffBuffer              *time.Duration `json:"cutoff_buffer,omitempty"`
	MaxPagesSafetyLimit       *int           `json:"max_pages_safety_limit,omitempty"`
	MinListingsPerPage        *int           `json:"min_listings_per_page,omitempty"`
	RequiredConsecutiveStops  *int           `json:"required_consecutive_stop_pages,omitempty"`
	MinPagesBeforeStopping    *int           `json:"min_pages_before_stopping,omitempty"`
	GlobalStaleAbortThreshold *float64       `json:"global_stale_fraction_abort_threshold,omitempty"`
	RangeStart                *time.Time     `json:"range_start,omitempty"`
	RangeEnd                  *time.Time     `json:"range_end,omitempty"`
}

// ValidationResult collects configuration problems instead of failing
// on the first one; callers decide whether warnings block a run.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Catalog resolves mode names to threshold bundles.
type Catalog struct {
	presets map[string]listing.ModeConfig
}

// NewCatalog builds a catalog with the five standard presets.
func NewCatalog() *Catalog {
	return &Catalog{presets: map[string]listing.ModeConfig{
		// Incremental favors time savings: stop quickly once pages look stale.
		Incremental: {
			Name:                      Incremental,
			StaleFractionThreshold:    0.8,
			CutoffBuffer:              2 * time.Hour,
			MaxPagesSafetyLimit:       200,
			MinListingsPerPage:        3,
			RequiredConsecutiveStops:  2,
			MinPagesBeforeStopping:    2,
			GlobalStaleAbortThreshold: 0.9,
		},
		// Conservative favors completeness: larger buffer, more confirmation.
		Conservative: {
			Name:                      Conservative,
			StaleFractionThreshold:    0.6,
			CutoffBuffer:              12 * time.Hour,
			MaxPagesSafetyLimit:       500,
			MinListingsPerPage:        3,
			RequiredConsecutiveStops:  4,
			MinPagesBeforeStopping:    5,
			GlobalStaleAbortThreshold: 0.95,
		},
		// Full effectively disables evidence-based stopping.
		Full: {
			Name:                      Full,
			StaleFractionThreshold:    1.0,
			CutoffBuffer:              0,
			MaxPagesSafetyLimit:       10000,
			MinListingsPerPage:        1,
			RequiredConsecutiveStops:  10000,
			MinPagesBeforeStopping:    1,
			GlobalStaleAbortThreshold: 1.0,
		},
		// DateRange needs RangeStart/RangeEnd overrides before use.
		DateRange: {
			Name:                      DateRange,
			StaleFractionThreshold:    0.8,
			CutoffBuffer:              2 * time.Hour,
			MaxPagesSafetyLimit:       300,
			MinListingsPerPage:        3,
			RequiredConsecutiveStops:  3,
			MinPagesBeforeStopping:    2,
			GlobalStaleAbortThreshold: 0.9,
		},
		// Custom starts from sane middle-ground values and expects overrides.
		Custom: {
			Name:                      Custom,
			StaleFractionThreshold:    0.7,
			CutoffBuffer:              6 * time.Hour,
			MaxPagesSafetyLimit:       300,
			MinListingsPerPage:        3,
			RequiredConsecutiveStops:  3,
			MinPagesBeforeStopping:    3,
			GlobalStaleAbortThreshold: 0.9,
		},
	}}
}

// Names lists the supported mode names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.presets))
	for name := range c.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config returns the preset for a mode name (case-insensitive).
func (c *Catalog) Config(name string) (listing.ModeConfig, error) {
	cfg, ok := c.presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return listing.ModeConfig{}, fmt.Errorf("unknown mode %q (supported: %s)", name, strings.Join(c.Names(), ", "))
	}
	return cfg, nil
}

// Resolve applies overrides to a preset and validates the result. The
// returned config is a value copy; the preset is never mutated.
func (c *Catalog) Resolve(name string, overrides *Overrides) (listing.ModeConfig, ValidationResult, error) {
	cfg, err := c.Config(name)
	if err != nil {
		return listing.ModeConfig{}, ValidationResult{}, err
	}
	cfg = applyOverrides(cfg, overrides)
	result := Validate(cfg)
	if !result.Valid {
		return listing.ModeConfig{}, result, fmt.Errorf("mode %q configuration invalid: %s", name, strings.Join(result.Errors, "; "))
	}
	return cfg, result, nil
}

func applyOverrides(cfg listing.ModeConfig, o *Overrides) listing.ModeConfig {
	if o == nil {
		return cfg
	}
	if o.StaleFractionThreshold != nil {
		cfg.StaleFractionThreshold = *o.StaleFractionThreshold
	}
	if o.CutoffBuffer != nil {
		cfg.CutoffBuffer = *o.CutoffBuffer
	}
	if o.MaxPagesSafetyLimit != nil {
		cfg.MaxPagesSafetyLimit = *o.MaxPagesSafetyLimit
	}
	if o.MinListingsPerPage != nil {
		cfg.MinListingsPerPage = *o.MinListingsPerPage
	}
	if o.RequiredConsecutiveStops != nil {
		cfg.RequiredConsecutiveStops = *o.RequiredConsecutiveStops
	}
	if o.MinPagesBeforeStopping != nil {
		cfg.MinPagesBeforeStopping = *o.MinPagesBeforeStopping
	}
	if o.GlobalStaleAbortThreshold != nil {
		cfg.GlobalStaleAbortThreshold = *o.GlobalStaleAbortThreshold
	}
	if o.RangeStart != nil {
		start := *o.RangeStart
		cfg.RangeStart = &start
	}
	if o.RangeEnd != nil {
		end := *o.RangeEnd
		cfg.RangeEnd = &end
	}
	return cfg
}

// Validate checks a fully-resolved config, collecting errors and
// warnings rather than stopping at the first problem.
func Validate(cfg listing.ModeConfig) ValidationResult {
	var result ValidationResult

	if cfg.StaleFractionThreshold <= 0 || cfg.StaleFractionThreshold > 1 {
		result.Errors = append(result.Errors, "stale_fraction_threshold must be in (0, 1]")
	} else if cfg.StaleFractionThreshold > 0.95 && cfg.Name != Full {
		result.Warnings = append(result.Warnings, "stale_fraction_threshold above 0.95 may yield little time savings")
	}
	if cfg.CutoffBuffer < 0 {
		result.Errors = append(result.Errors, "cutoff_buffer must not be negative")
	} else if cfg.CutoffBuffer > 24*time.Hour {
		result.Warnings = append(result.Warnings, "cutoff_buffer above 24h is overly conservative")
	}
	if cfg.MinListingsPerPage < 1 {
		result.Errors = append(result.Errors, "min_listings_per_page must be at least 1")
	}
	if cfg.MinPagesBeforeStopping < 1 {
		result.Errors = append(result.Errors, "min_pages_before_stopping must be at least 1")
	}
	if cfg.RequiredConsecutiveStops < 1 {
		result.Errors = append(result.Errors, "required_consecutive_stop_pages must be at least 1")
	}
	if cfg.MaxPagesSafetyLimit < cfg.MinPagesBeforeStopping {
		result.Errors = append(result.Errors, "max_pages_safety_limit must not be below min_pages_before_stopping")
	}
	if cfg.GlobalStaleAbortThreshold <= 0 || cfg.GlobalStaleAbortThreshold > 1 {
		result.Errors = append(result.Errors, "global_stale_fraction_abort_threshold must be in (0, 1]")
	}
	if cfg.Name == DateRange {
		switch {
		case cfg.RangeStart == nil || cfg.RangeEnd == nil:
			result.Errors = append(result.Errors, "daterange mode requires range_start and range_end")
		case !cfg.RangeStart.Before(*cfg.RangeEnd):
			result.Errors = append(result.Errors, "range_start must be before range_end")
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}
