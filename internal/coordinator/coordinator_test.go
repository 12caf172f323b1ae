package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tfaulkner/listing-crawler/internal/dateparse"
	"github.com/tfaulkner/listing-crawler/internal/identity"
	"github.com/tfaulkner/listing-crawler/internal/listing"
	"github.com/tfaulkner/listing-crawler/internal/metrics"
	"github.com/tfaulkner/listing-crawler/internal/mode"
	"github.com/tfaulkner/listing-crawler/internal/policy"
	"github.com/tfaulkner/listing-crawler/internal/progress"
	"github.com/tfaulkner/listing-crawler/internal/storage/memory"
)

var testNow = time.Date(2025, time.June, 10, 9, 0, 0, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (g *sequenceIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("run-%d", g.next), nil
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *captureEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *captureEmitter) Stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	stages := make([]progress.Stage, len(e.events))
	for i, evt := range e.events {
		stages[i] = evt.Stage
	}
	return stages
}

type fixture struct {
	coord    *Coordinator
	runs     *memory.RunStore
	identity *memory.IdentityStore
	emitter  *captureEmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	metrics.Init()
	clock := fixedClock{now: testNow}
	runs := memory.NewRunStore()
	identityStore := memory.NewIdentityStore()
	emitter := &captureEmitter{}
	parser := dateparse.New()
	engine := policy.New(parser, zap.NewNop())

	coord, err := New(Options{
		Catalog:     mode.NewCatalog(),
		Engine:      engine,
		Identity:    identity.New(identityStore, clock, zap.NewNop()),
		Runs:        runs,
		Clock:       clock,
		IDGenerator: &sequenceIDs{},
		Emitter:     emitter,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &fixture{coord: coord, runs: runs, identity: identityStore, emitter: emitter}
}

// seedHistory records one completed run so incremental mode has a cutoff.
func (f *fixture) seedHistory(t *testing.T, city string, startedAt time.Time) {
	t.Helper()

	ended := startedAt.Add(30 * time.Minute)
	err := f.runs.CreateRun(context.Background(), listing.RunRecord{
		ID:        "seed-" + city,
		City:      city,
		Mode:      mode.Incremental,
		StartedAt: startedAt,
		EndedAt:   &ended,
		Status:    listing.RunStatusCompleted,
	})
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}
}

func urlsFor(page int, n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://example.com/listings/p%d-%d", page, i)
	}
	return urls
}

func repeat(text string, n int) []string {
	texts := make([]string, n)
	for i := range texts {
		texts[i] = text
	}
	return texts
}

func counterTotal(t *testing.T, name string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	return 0
}

// Deliberately not parallel so the counter deltas are exact.
func TestEvaluatePageRecordsParseAndClassificationCounters(t *testing.T) {
	f := newFixture(t)
	f.seedHistory(t, "haarlem", testNow.Add(-48*time.Hour))
	ctx := context.Background()

	run, _, err := f.coord.StartRun(ctx, "haarlem", mode.Incremental, nil)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	parseBefore := counterTotal(t, "listings_parse_attempts_total")
	classifyBefore := counterTotal(t, "listings_classifications_total")

	texts := []string{"2 hours ago", "today", "yesterday", "premium listing"}
	if _, err := f.coord.EvaluatePage(ctx, run.ID, 1, texts, urlsFor(1, 4)); err != nil {
		t.Fatalf("EvaluatePage() error = %v", err)
	}

	if got := counterTotal(t, "listings_parse_attempts_total") - parseBefore; got != 4 {
		t.Fatalf("parse attempts delta = %v, want 4", got)
	}
	if got := counterTotal(t, "listings_classifications_total") - classifyBefore; got != 4 {
		t.Fatalf("classifications delta = %v, want 4", got)
	}
}

func TestStartRunUsesPriorRunStartAsCutoff(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedHistory(t, "haarlem", testNow.Add(-48*time.Hour))

	run, validation, err := f.coord.StartRun(context.Background(), "haarlem", mode.Incremental, nil)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if !validation.Valid {
		t.Fatalf("expected valid config, got errors %v", validation.Errors)
	}
	if run.Mode != mode.Incremental {
		t.Fatalf("expected incremental mode, got %s", run.Mode)
	}
	if run.Status != listing.RunStatusRunning {
		t.Fatalf("expected running status, got %s", run.Status)
	}

	stored, err := f.runs.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if stored.ID != run.ID {
		t.Fatalf("stored run %s, want %s", stored.ID, run.ID)
	}
}

func TestStartRunForcesFullModeWithoutHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	run, _, err := f.coord.StartRun(context.Background(), "gouda", mode.Incremental, nil)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if run.Mode != mode.Full {
		t.Fatalf("expected full mode fallback, got %s", run.Mode)
	}
	if run.Config.StaleFractionThreshold != 1.0 {
		t.Fatalf("expected full threshold 1.0, got %v", run.Config.StaleFractionThreshold)
	}
}

func TestStartRunRejectsEmptyCity(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, _, err := f.coord.StartRun(context.Background(), "", mode.Incremental, nil)
	if !errors.Is(err, listing.ErrContractViolation) {
		t.Fatalf("expected contract violation, got %v", err)
	}
}

func TestStartRunRejectsUnknownMode(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, _, err := f.coord.StartRun(context.Background(), "haarlem", "turbo", nil)
	if err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestEvaluatePageEnforcesOrdering(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedHistory(t, "haarlem", testNow.Add(-48*time.Hour))
	run, _, err := f.coord.StartRun(context.Background(), "haarlem", mode.Incremental, nil)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	_, err = f.coord.EvaluatePage(context.Background(), run.ID, 2, repeat("2 hours ago", 4), urlsFor(2, 4))
	if !errors.Is(err, listing.ErrContractViolation) {
		t.Fatalf("expected contract violation for out-of-order page, got %v", err)
	}
}

func TestEvaluatePageRejectsMisalignedInputs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedHistory(t, "haarlem", testNow.Add(-48*time.Hour))
	run, _, err := f.coord.StartRun(context.Background(), "haarlem", mode.Incremental, nil)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	_, err = f.coord.EvaluatePage(context.Background(), run.ID, 1, repeat("2 hours ago", 4), urlsFor(1, 3))
	if !errors.Is(err, listing.ErrContractViolation) {
		t.Fatalf("expected contract violation for misaligned inputs, got %v", err)
	}
}

func TestRunStopsAfterConsecutiveStalePages(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedHistory(t, "haarlem", testNow.Add(-48*time.Hour))
	run, _, err := f.coord.StartRun(context.Background(), "haarlem", mode.Incremental, nil)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	ctx := context.Background()

	// Fresh page first: dates resolve well after the buffered cutoff.
	eval, err := f.coord.EvaluatePage(ctx, run.ID, 1, repeat("2 hours ago", 4), urlsFor(1, 4))
	if err != nil {
		t.Fatalf("EvaluatePage(1) error = %v", err)
	}
	if eval.Verdict != listing.VerdictContinue {
		t.Fatalf("page 1 verdict = %s, want continue", eval.Verdict)
	}
	if eval.NewListings != 4 {
		t.Fatalf("page 1 new listings = %d, want 4", eval.NewListings)
	}

	// Two stale pages in a row hit the incremental consecutive requirement.
	eval, err = f.coord.EvaluatePage(ctx, run.ID, 2, repeat("3 weeks ago", 4), urlsFor(2, 4))
	if err != nil {
		t.Fatalf("EvaluatePage(2) error = %v", err)
	}
	if eval.Verdict != listing.VerdictContinue {
		t.Fatalf("page 2 verdict = %s, want continue (one stale page is not enough)", eval.Verdict)
	}

	eval, err = f.coord.EvaluatePage(ctx, run.ID, 3, repeat("3 weeks ago", 4), urlsFor(3, 4))
	if err != nil {
		t.Fatalf("EvaluatePage(3) error = %v", err)
	}
	if eval.Verdict != listing.VerdictStop {
		t.Fatalf("page 3 verdict = %s, want stop", eval.Verdict)
	}
	if eval.Reason != "2 consecutive pages exceeded stale threshold" {
		t.Fatalf("unexpected stop reason %q", eval.Reason)
	}

	// The tracker is terminal now; further pages are a caller error.
	_, err = f.coord.EvaluatePage(ctx, run.ID, 4, repeat("3 weeks ago", 4), urlsFor(4, 4))
	if !errors.Is(err, listing.ErrRunNotActive) {
		t.Fatalf("expected run-not-active error after stop, got %v", err)
	}
	if !errors.Is(err, listing.ErrContractViolation) {
		t.Fatalf("run-not-active must categorize as a contract violation, got %v", err)
	}

	report, err := f.coord.FinalizeRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("FinalizeRun() error = %v", err)
	}
	if report.Run.Status != listing.RunStatusCompleted {
		t.Fatalf("final status = %s, want completed", report.Run.Status)
	}
	if report.Run.StopReason != "2 consecutive pages exceeded stale threshold" {
		t.Fatalf("unexpected stop reason %q", report.Run.StopReason)
	}
	if len(report.Pages) != 3 {
		t.Fatalf("report pages = %d, want 3", len(report.Pages))
	}
	if report.Run.PagesScraped != 3 || report.Run.ListingsFound != 12 || report.Run.ListingsSaved != 12 {
		t.Fatalf("unexpected counters: %+v", report.Run)
	}
}

func TestAllDuplicatePageCountsAsStopEvidence(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedHistory(t, "haarlem", testNow.Add(-48*time.Hour))
	ctx := context.Background()

	// Record every URL once so the run only ever sees known listings.
	for _, url := range append(urlsFor(1, 4), urlsFor(2, 4)...) {
		if _, _, err := f.identity.Upsert(ctx, url, "seed-run", testNow.Add(-24*time.Hour)); err != nil {
			t.Fatalf("seed identity: %v", err)
		}
	}

	run, _, err := f.coord.StartRun(ctx, "haarlem", mode.Incremental, nil)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	// Dates are unparseable, so only the duplicate signal can stop the run.
	eval, err := f.coord.EvaluatePage(ctx, run.ID, 1, repeat("premium listing", 4), urlsFor(1, 4))
	if err != nil {
		t.Fatalf("EvaluatePage(1) error = %v", err)
	}
	if eval.Verdict != listing.VerdictContinue {
		t.Fatalf("page 1 verdict = %s, want continue (below minimum pages)", eval.Verdict)
	}
	if eval.DuplicateListings != 4 || eval.NewListings != 0 {
		t.Fatalf("page 1 classifications new=%d dup=%d", eval.NewListings, eval.DuplicateListings)
	}

	eval, err = f.coord.EvaluatePage(ctx, run.ID, 2, repeat("premium listing", 4), urlsFor(2, 4))
	if err != nil {
		t.Fatalf("EvaluatePage(2) error = %v", err)
	}
	if eval.Verdict != listing.VerdictStop {
		t.Fatalf("page 2 verdict = %s, want stop", eval.Verdict)
	}

	report, err := f.coord.FinalizeRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("FinalizeRun() error = %v", err)
	}
	for _, page := range report.Pages {
		if page.StopReason != ReasonAllDuplicates {
			t.Fatalf("page %d stop reason = %q, want %q", page.PageNumber, page.StopReason, ReasonAllDuplicates)
		}
	}
}

func TestFinalizeRunIsExactlyOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedHistory(t, "haarlem", testNow.Add(-48*time.Hour))
	ctx := context.Background()

	run, _, err := f.coord.StartRun(ctx, "haarlem", mode.Incremental, nil)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if _, err := f.coord.FinalizeRun(ctx, run.ID); err != nil {
		t.Fatalf("FinalizeRun() error = %v", err)
	}
	if _, err := f.coord.FinalizeRun(ctx, run.ID); !errors.Is(err, listing.ErrState) {
		t.Fatalf("expected state error on second finalize, got %v", err)
	}
}

func TestFailRunMarksRunFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedHistory(t, "haarlem", testNow.Add(-48*time.Hour))
	ctx := context.Background()

	run, _, err := f.coord.StartRun(ctx, "haarlem", mode.Incremental, nil)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if err := f.coord.FailRun(ctx, run.ID, errors.New("fetch loop crashed")); err != nil {
		t.Fatalf("FailRun() error = %v", err)
	}

	stored, err := f.coord.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if stored.Status != listing.RunStatusFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
	if stored.StopReason != "fetch loop crashed" {
		t.Fatalf("stop reason = %q", stored.StopReason)
	}
}

func TestParsingStatsAccumulateAcrossPages(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedHistory(t, "haarlem", testNow.Add(-48*time.Hour))
	ctx := context.Background()

	run, _, err := f.coord.StartRun(ctx, "haarlem", mode.Incremental, nil)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	texts := []string{"2 hours ago", "yesterday", "no date here", "3 days ago"}
	if _, err := f.coord.EvaluatePage(ctx, run.ID, 1, texts, urlsFor(1, 4)); err != nil {
		t.Fatalf("EvaluatePage() error = %v", err)
	}
	if _, err := f.coord.EvaluatePage(ctx, run.ID, 2, texts, urlsFor(2, 4)); err != nil {
		t.Fatalf("EvaluatePage() error = %v", err)
	}

	stats, err := f.coord.ParsingStats(run.ID)
	if err != nil {
		t.Fatalf("ParsingStats() error = %v", err)
	}
	if stats.Attempts != 8 || stats.Successes != 6 || stats.Failures != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.ByKind[listing.PatternHoursAgo] != 2 {
		t.Fatalf("hours_ago count = %d, want 2", stats.ByKind[listing.PatternHoursAgo])
	}
}

func TestProgressEventsFollowRunLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedHistory(t, "haarlem", testNow.Add(-48*time.Hour))
	ctx := context.Background()

	run, _, err := f.coord.StartRun(ctx, "haarlem", mode.Incremental, nil)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if _, err := f.coord.EvaluatePage(ctx, run.ID, 1, repeat("2 hours ago", 4), urlsFor(1, 4)); err != nil {
		t.Fatalf("EvaluatePage() error = %v", err)
	}
	if _, err := f.coord.FinalizeRun(ctx, run.ID); err != nil {
		t.Fatalf("FinalizeRun() error = %v", err)
	}

	want := []progress.Stage{progress.StageRunStart, progress.StagePageEvaluated, progress.StageRunDone}
	got := f.emitter.Stages()
	if len(got) != len(want) {
		t.Fatalf("emitted stages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stage[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
