// Package policy implements the page-by-page stopping decision engine.
package policy

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/tfaulkner/listing-crawler/internal/dateparse"
	"github.com/tfaulkner/listing-crawler/internal/listing"
)

// Stop reasons reported in analyses and decisions.
const (
	ReasonInsufficientListings = "insufficient listings on page"
	ReasonBelowMinimumPages    = "below minimum page count"
	ReasonGlobalStaleFraction  = "overall stale fraction exceeded abort threshold"
	ReasonSafetyLimit          = "safety page limit reached"
	ReasonInsufficientEvidence = "insufficient stale evidence"
)

const (
	starvedPageConfidence    = 0.9
	pageConfidenceCap        = 0.9
	consecutiveConfidenceCap = 0.95
	globalAbortConfidence    = 0.85
	safetyLimitConfidence    = 0.7
)

// Engine analyzes pages and aggregates their verdicts. It holds no
// per-run state and is safe to share across concurrent runs; per-run
// progression lives in RunTracker.
type Engine struct {
	parser *dateparse.Parser
	logger *zap.Logger
}

// New constructs an Engine.
func New(parser *dateparse.Parser, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{parser: parser, logger: logger}
}

// AnalyzePage classifies one page's listing texts against the buffered
// cutoff and renders the per-page verdict. Unparseable texts are
// absorbed: they reduce the evidence base but never fail the analysis.
// It also returns the page's parsing statistics for the caller to
// accumulate.
func (e *Engine) AnalyzePage(
	texts []string,
	cutoff time.Time,
	pageNumber int,
	cfg listing.ModeConfig,
	referenceNow time.Time,
) (listing.PageAnalysis, listing.ParsingStatistics) {
	analysis := listing.PageAnalysis{
		PageNumber:    pageNumber,
		TotalListings: len(texts),
	}

	// A starved page is itself a signal that something changed: end of
	// results, a blocked request, a layout break.
	if len(texts) < cfg.MinListingsPerPage {
		analysis.Verdict = listing.VerdictStop
		analysis.StopReason = ReasonInsufficientListings
		analysis.Confidence = starvedPageConfidence
		e.logger.Debug("page starved",
			zap.Int("page", pageNumber),
			zap.Int("listings", len(texts)),
			zap.Int("min_required", cfg.MinListingsPerPage),
		)
		return analysis, listing.ParsingStatistics{}
	}

	bufferedCutoff := cutoff.Add(-cfg.CutoffBuffer)
	results := e.parser.ParseMany(texts, referenceNow)
	for _, result := range results {
		if !result.Succeeded {
			continue
		}
		if outsideRange(*result.ResolvedAt, cfg) {
			continue
		}
		analysis.ParsedListings++
		if result.ResolvedAt.Before(bufferedCutoff) {
			analysis.StaleCount++
		} else {
			analysis.FreshCount++
		}
	}

	// A page where nothing parses carries no stale evidence; it is a
	// Continue, not an error.
	if analysis.ParsedListings > 0 {
		analysis.StaleFraction = float64(analysis.StaleCount) / float64(analysis.ParsedListings)
	}
	analysis.Confidence = math.Min(pageConfidenceCap, analysis.StaleFraction)
	if analysis.StaleFraction >= cfg.StaleFractionThreshold {
		analysis.Verdict = listing.VerdictStop
		analysis.StopReason = fmt.Sprintf("stale fraction %.2f at or above threshold %.2f",
			analysis.StaleFraction, cfg.StaleFractionThreshold)
	} else {
		analysis.Verdict = listing.VerdictContinue
	}

	return analysis, dateparse.Stats(results)
}

// outsideRange applies the DateRange [start, end) filter; listings
// outside it are excluded from both stale and fresh counts.
func outsideRange(ts time.Time, cfg listing.ModeConfig) bool {
	if cfg.RangeStart != nil && ts.Before(*cfg.RangeStart) {
		return true
	}
	if cfg.RangeEnd != nil && !ts.Before(*cfg.RangeEnd) {
		return true
	}
	return false
}

// Finalize aggregates ordered per-page analyses into the crawl-level
// decision. The minimum-page floor overrides any amount of per-page
// evidence so a single noisy early page cannot abort a run.
func (e *Engine) Finalize(analyses []listing.PageAnalysis, cfg listing.ModeConfig) listing.Decision {
	if len(analyses) < cfg.MinPagesBeforeStopping {
		return listing.Decision{Reason: ReasonBelowMinimumPages}
	}

	consecutive := trailingStops(analyses)
	if consecutive >= cfg.RequiredConsecutiveStops {
		return listing.Decision{
			ShouldStop: true,
			Reason:     fmt.Sprintf("%d consecutive pages exceeded stale threshold", consecutive),
			Confidence: math.Min(consecutiveConfidenceCap,
				float64(consecutive)/float64(cfg.RequiredConsecutiveStops)*0.8),
		}
	}

	// A threshold at or above 1.0 disables the global abort entirely;
	// full sweeps set it there so a run of all-stale pages cannot end
	// the crawl early.
	if cfg.GlobalStaleAbortThreshold < 1.0 && cumulativeStaleFraction(analyses) >= cfg.GlobalStaleAbortThreshold {
		return listing.Decision{
			ShouldStop: true,
			Reason:     ReasonGlobalStaleFraction,
			Confidence: globalAbortConfidence,
		}
	}

	if len(analyses) >= cfg.MaxPagesSafetyLimit {
		return listing.Decision{
			ShouldStop: true,
			Reason:     ReasonSafetyLimit,
			Confidence: safetyLimitConfidence,
		}
	}

	return listing.Decision{Reason: ReasonInsufficientEvidence}
}

// trailingStops counts contiguous Stop verdicts from the most recent
// page backwards.
func trailingStops(analyses []listing.PageAnalysis) int {
	count := 0
	for i := len(analyses) - 1; i >= 0; i-- {
		if analyses[i].Verdict != listing.VerdictStop {
			break
		}
		count++
	}
	return count
}

// cumulativeStaleFraction pools stale counts over every page so far.
func cumulativeStaleFraction(analyses []listing.PageAnalysis) float64 {
	stale, parsed := 0, 0
	for _, a := range analyses {
		stale += a.StaleCount
		parsed += a.ParsedListings
	}
	if parsed == 0 {
		return 0
	}
	return float64(stale) / float64(parsed)
}
