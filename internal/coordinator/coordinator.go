// Package coordinator orchestrates crawl runs: it resolves modes,
// derives cutoffs from run history, classifies listings, and drives
// the stopping policy page by page.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tfaulkner/listing-crawler/internal/identity"
	"github.com/tfaulkner/listing-crawler/internal/listing"
	"github.com/tfaulkner/listing-crawler/internal/metrics"
	"github.com/tfaulkner/listing-crawler/internal/mode"
	"github.com/tfaulkner/listing-crawler/internal/policy"
	"github.com/tfaulkner/listing-crawler/internal/progress"
)

// ReasonAllDuplicates is the stop reason when a full page of listings
// is already known from previous runs.
const ReasonAllDuplicates = "every listing on page already known"

const allDuplicatesConfidence = 0.85

// Coordinator ties the mode catalog, identity tracker, stopping policy
// and run store together behind a page-at-a-time API. It is safe for
// concurrent use; individual runs are internally serialized because
// their pages must be evaluated in order.
type Coordinator struct {
	catalog  *mode.Catalog
	engine   *policy.Engine
	identity *identity.Tracker
	runs     listing.RunStore
	clock    listing.Clock
	ids      listing.IDGenerator
	emitter  progress.Emitter
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]*activeRun
}

type activeRun struct {
	mu      sync.Mutex
	record  listing.RunRecord
	tracker *policy.RunTracker
	cutoff  time.Time
	stats   listing.ParsingStatistics
	started time.Time
}

// Options carries the coordinator's collaborators. Emitter and Logger
// are optional.
type Options struct {
	Catalog     *mode.Catalog
	Engine      *policy.Engine
	Identity    *identity.Tracker
	Runs        listing.RunStore
	Clock       listing.Clock
	IDGenerator listing.IDGenerator
	Emitter     progress.Emitter
	Logger      *zap.Logger
}

// New constructs a Coordinator, validating that the required
// collaborators are present.
func New(opts Options) (*Coordinator, error) {
	switch {
	case opts.Catalog == nil:
		return nil, fmt.Errorf("mode catalog is required")
	case opts.Engine == nil:
		return nil, fmt.Errorf("policy engine is required")
	case opts.Identity == nil:
		return nil, fmt.Errorf("identity tracker is required")
	case opts.Runs == nil:
		return nil, fmt.Errorf("run store is required")
	case opts.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case opts.IDGenerator == nil:
		return nil, fmt.Errorf("id generator is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		catalog:  opts.Catalog,
		engine:   opts.Engine,
		identity: opts.Identity,
		runs:     opts.Runs,
		clock:    opts.Clock,
		ids:      opts.IDGenerator,
		emitter:  opts.Emitter,
		logger:   logger,
		active:   make(map[string]*activeRun),
	}, nil
}

// StartRun resolves the requested mode, derives the staleness cutoff
// from run history, persists the new run and registers it for page
// evaluation. A city with no completed history is forced onto the
// full mode because there is no cutoff to compare against.
func (c *Coordinator) StartRun(
	ctx context.Context,
	city string,
	modeName string,
	overrides *mode.Overrides,
) (listing.RunRecord, mode.ValidationResult, error) {
	if city == "" {
		return listing.RunRecord{}, mode.ValidationResult{}, listing.ContractViolationf("city is required")
	}

	cfg, validation, err := c.catalog.Resolve(modeName, overrides)
	if err != nil {
		return listing.RunRecord{}, validation, err
	}

	cutoff, hasHistory, err := c.resolveCutoff(ctx, city, cfg.Name)
	if err != nil {
		return listing.RunRecord{}, validation, err
	}
	if !hasHistory && cfg.Name != mode.Full {
		c.logger.Info("no completed history, forcing full mode",
			zap.String("city", city),
			zap.String("requested_mode", cfg.Name),
		)
		cfg, validation, err = c.catalog.Resolve(mode.Full, nil)
		if err != nil {
			return listing.RunRecord{}, validation, err
		}
	}

	runID, err := c.ids.NewID()
	if err != nil {
		return listing.RunRecord{}, validation, fmt.Errorf("generate run id: %w", err)
	}

	now := c.clock.Now()
	record := listing.RunRecord{
		ID:        runID,
		City:      city,
		Mode:      cfg.Name,
		StartedAt: now,
		Status:    listing.RunStatusRunning,
		Config:    cfg,
	}
	if err := c.runs.CreateRun(ctx, record); err != nil {
		return listing.RunRecord{}, validation, listing.StorageErrorf("create run", err)
	}

	run := &activeRun{
		record:  record,
		tracker: policy.NewRunTracker(c.engine, cfg),
		cutoff:  cutoff,
		started: now,
	}
	c.mu.Lock()
	c.active[runID] = run
	c.mu.Unlock()

	c.emit(progress.Event{
		RunID: progress.ParseRunID(runID),
		TS:    now,
		Stage: progress.StageRunStart,
		City:  city,
		Mode:  cfg.Name,
	})
	c.logger.Info("run started",
		zap.String("run_id", runID),
		zap.String("city", city),
		zap.String("mode", cfg.Name),
		zap.Time("cutoff", cutoff),
		zap.Strings("warnings", validation.Warnings),
	)
	return record, validation, nil
}

// resolveCutoff finds the staleness cutoff for a new run: the start
// time of the latest completed run for the city and mode, falling back
// to the latest completed run in any mode. Using the start time rather
// than the end time means listings posted while the previous run was
// crawling are still picked up.
func (c *Coordinator) resolveCutoff(ctx context.Context, city string, modeName string) (time.Time, bool, error) {
	prior, found, err := c.runs.LatestCompleted(ctx, city, modeName)
	if err != nil {
		return time.Time{}, false, listing.StorageErrorf("latest completed run", err)
	}
	if !found {
		prior, found, err = c.runs.LatestCompleted(ctx, city, "")
		if err != nil {
			return time.Time{}, false, listing.StorageErrorf("latest completed run", err)
		}
	}
	if !found {
		return time.Time{}, false, nil
	}
	return prior.StartedAt, true, nil
}

// EvaluatePage analyzes one page of listings: texts hold the free-text
// date phrases, urls the matching listing URLs, index-aligned. Pages
// must arrive in strict sequence starting at 1.
func (c *Coordinator) EvaluatePage(
	ctx context.Context,
	runID string,
	pageNumber int,
	texts []string,
	urls []string,
) (listing.PageEvaluation, error) {
	run, err := c.lookup(runID)
	if err != nil {
		return listing.PageEvaluation{}, err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	if run.record.Status != listing.RunStatusRunning {
		return listing.PageEvaluation{}, fmt.Errorf("%w: run %s is %s", listing.ErrRunNotActive, runID, run.record.Status)
	}
	if run.tracker.Terminal() {
		return listing.PageEvaluation{}, fmt.Errorf("%w: run %s already received a stop decision", listing.ErrRunNotActive, runID)
	}
	if len(texts) != len(urls) {
		return listing.PageEvaluation{}, listing.ContractViolationf(
			"texts and urls must be index-aligned: %d texts vs %d urls", len(texts), len(urls))
	}
	if want := run.tracker.PagesObserved() + 1; pageNumber != want {
		return listing.PageEvaluation{}, listing.ContractViolationf(
			"pages must be evaluated in order: got page %d, want %d", pageNumber, want)
	}

	pageStart := c.clock.Now()
	analysis, stats := c.engine.AnalyzePage(texts, run.cutoff, pageNumber, run.record.Config, pageStart)
	run.stats.Merge(stats)
	for kind, n := range stats.ByKind {
		for i := 0; i < n; i++ {
			metrics.ObserveParse(string(kind), true)
		}
	}
	for i := 0; i < stats.Failures; i++ {
		metrics.ObserveParse(string(listing.PatternNone), false)
	}

	batch, err := c.identity.ClassifyAndRecordMany(ctx, urls, runID)
	if err != nil {
		return listing.PageEvaluation{}, err
	}
	for _, cls := range batch.PerURL {
		metrics.ObserveClassification(string(cls))
	}

	// A page made up entirely of known listings means the crawl caught
	// up with a previous run even when no dates parsed.
	if analysis.Verdict == listing.VerdictContinue &&
		len(urls) > 0 && batch.DuplicateCount == len(urls) {
		analysis.Verdict = listing.VerdictStop
		analysis.StopReason = ReasonAllDuplicates
		analysis.Confidence = allDuplicatesConfidence
	}

	decision, err := run.tracker.Observe(analysis)
	if err != nil {
		return listing.PageEvaluation{}, err
	}

	if err := c.runs.RecordPageAnalysis(ctx, runID, analysis); err != nil {
		return listing.PageEvaluation{}, listing.StorageErrorf("record page analysis", err)
	}
	run.record.PagesScraped++
	run.record.ListingsFound += analysis.TotalListings
	run.record.ListingsSaved += batch.NewCount
	if err := c.runs.UpdateRun(ctx, run.record); err != nil {
		return listing.PageEvaluation{}, listing.StorageErrorf("update run", err)
	}

	evaluation := listing.PageEvaluation{
		Verdict:           listing.VerdictContinue,
		Reason:            decision.Reason,
		Confidence:        decision.Confidence,
		NewListings:       batch.NewCount,
		DuplicateListings: batch.DuplicateCount,
	}
	if decision.ShouldStop {
		evaluation.Verdict = listing.VerdictStop
	}

	c.emit(progress.Event{
		RunID:             progress.ParseRunID(runID),
		TS:                c.clock.Now(),
		Stage:             progress.StagePageEvaluated,
		City:              run.record.City,
		Page:              pageNumber,
		Verdict:           string(evaluation.Verdict),
		NewListings:       int64(batch.NewCount),
		DuplicateListings: int64(batch.DuplicateCount),
		StaleFraction:     analysis.StaleFraction,
		Dur:               c.clock.Now().Sub(pageStart),
		Note:              analysis.StopReason,
	})
	c.logger.Debug("page evaluated",
		zap.String("run_id", runID),
		zap.Int("page", pageNumber),
		zap.String("verdict", string(evaluation.Verdict)),
		zap.Float64("stale_fraction", analysis.StaleFraction),
		zap.Int("new", batch.NewCount),
		zap.Int("duplicate", batch.DuplicateCount),
	)
	return evaluation, nil
}

// FinalizeRun closes a run exactly once, persisting its terminal state
// and returning the full report. The stop reason comes from the
// policy's last decision when the policy stopped the run, otherwise it
// records that the caller ended the crawl.
func (c *Coordinator) FinalizeRun(ctx context.Context, runID string) (listing.RunReport, error) {
	run, err := c.lookup(runID)
	if err != nil {
		return listing.RunReport{}, err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	if run.record.Status != listing.RunStatusRunning {
		return listing.RunReport{}, listing.StateErrorf("run %s already finalized as %s", runID, run.record.Status)
	}

	decision := c.engine.Finalize(run.tracker.Analyses(), run.record.Config)
	stopReason := decision.Reason
	if !decision.ShouldStop {
		stopReason = "finalized by caller"
	}

	now := c.clock.Now()
	run.record.EndedAt = &now
	run.record.Status = listing.RunStatusCompleted
	run.record.StopReason = stopReason
	if err := c.runs.UpdateRun(ctx, run.record); err != nil {
		return listing.RunReport{}, listing.StorageErrorf("update run", err)
	}

	c.mu.Lock()
	delete(c.active, runID)
	c.mu.Unlock()

	c.emit(progress.Event{
		RunID: progress.ParseRunID(runID),
		TS:    now,
		Stage: progress.StageRunDone,
		City:  run.record.City,
		Mode:  run.record.Mode,
		Dur:   now.Sub(run.started),
		Note:  stopReason,
	})
	c.logger.Info("run finalized",
		zap.String("run_id", runID),
		zap.String("stop_reason", stopReason),
		zap.Int("pages", run.record.PagesScraped),
		zap.Int("listings_found", run.record.ListingsFound),
		zap.Int("listings_saved", run.record.ListingsSaved),
		zap.Int("parse_attempts", run.stats.Attempts),
		zap.Int("parse_failures", run.stats.Failures),
	)
	return listing.RunReport{
		Run:   run.record,
		Pages: run.tracker.Analyses(),
	}, nil
}

// FailRun marks an active run as failed, recording the cause. Used by
// callers whose fetch loop hit an unrecoverable error mid-run.
func (c *Coordinator) FailRun(ctx context.Context, runID string, cause error) error {
	run, err := c.lookup(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	if run.record.Status != listing.RunStatusRunning {
		return listing.StateErrorf("run %s already finalized as %s", runID, run.record.Status)
	}

	now := c.clock.Now()
	run.record.EndedAt = &now
	run.record.Status = listing.RunStatusFailed
	if cause != nil {
		run.record.StopReason = cause.Error()
	}
	if err := c.runs.UpdateRun(ctx, run.record); err != nil {
		return listing.StorageErrorf("update run", err)
	}

	c.mu.Lock()
	delete(c.active, runID)
	c.mu.Unlock()

	c.emit(progress.Event{
		RunID: progress.ParseRunID(runID),
		TS:    now,
		Stage: progress.StageRunError,
		City:  run.record.City,
		Mode:  run.record.Mode,
		Dur:   now.Sub(run.started),
		Note:  run.record.StopReason,
	})
	c.logger.Warn("run failed",
		zap.String("run_id", runID),
		zap.Error(cause),
	)
	return nil
}

// GetRun fetches a run's persisted state, active or not.
func (c *Coordinator) GetRun(ctx context.Context, runID string) (listing.RunRecord, error) {
	run, err := c.runs.GetRun(ctx, runID)
	if errors.Is(err, listing.ErrRunNotFound) {
		return listing.RunRecord{}, err
	}
	if err != nil {
		return listing.RunRecord{}, listing.StorageErrorf("get run", err)
	}
	return run, nil
}

// Report assembles the run record and its page-analysis history from
// the store; it works for finalized runs long after the process that
// ran them exited.
func (c *Coordinator) Report(ctx context.Context, runID string) (listing.RunReport, error) {
	run, err := c.runs.GetRun(ctx, runID)
	if errors.Is(err, listing.ErrRunNotFound) {
		return listing.RunReport{}, err
	}
	if err != nil {
		return listing.RunReport{}, listing.StorageErrorf("get run", err)
	}
	pages, err := c.runs.ListPageAnalyses(ctx, runID)
	if err != nil {
		return listing.RunReport{}, listing.StorageErrorf("list page analyses", err)
	}
	return listing.RunReport{Run: run, Pages: pages}, nil
}

// ParsingStats returns the accumulated date-parsing statistics for an
// active run.
func (c *Coordinator) ParsingStats(runID string) (listing.ParsingStatistics, error) {
	run, err := c.lookup(runID)
	if err != nil {
		return listing.ParsingStatistics{}, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	stats := run.stats
	if len(run.stats.ByKind) > 0 {
		stats.ByKind = make(map[listing.PatternKind]int, len(run.stats.ByKind))
		for kind, n := range run.stats.ByKind {
			stats.ByKind[kind] = n
		}
	}
	return stats, nil
}

func (c *Coordinator) lookup(runID string) (*activeRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.active[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", listing.ErrRunNotFound, runID)
	}
	return run, nil
}

func (c *Coordinator) emit(evt progress.Event) {
	if c.emitter == nil {
		return
	}
	c.emitter.Emit(evt)
}
