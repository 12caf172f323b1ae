package policy

import (
	"github.com/tfaulkner/listing-crawler/internal/listing"
)

// State is the per-run progression of the stopping policy.
type State string

// Tracker states. Stopped and ExhaustedSafetyLimit are terminal.
const (
	StateAwaitingEvidence     State = "awaiting_evidence"
	StateEvaluating           State = "evaluating"
	StateStopped              State = "stopped"
	StateExhaustedSafetyLimit State = "exhausted_safety_limit"
)

// RunTracker accumulates one run's page analyses and advances the
// stopping state machine. It is not safe for concurrent use; pages for
// a run are evaluated in strict sequence by design.
type RunTracker struct {
	engine   *Engine
	cfg      listing.ModeConfig
	analyses []listing.PageAnalysis
	state    State
}

// NewRunTracker starts a tracker in AwaitingEvidence.
func NewRunTracker(engine *Engine, cfg listing.ModeConfig) *RunTracker {
	return &RunTracker{engine: engine, cfg: cfg, state: StateAwaitingEvidence}
}

// State reports the current machine state.
func (t *RunTracker) State() State {
	return t.state
}

// Terminal reports whether no further pages may be observed.
func (t *RunTracker) Terminal() bool {
	return t.state == StateStopped || t.state == StateExhaustedSafetyLimit
}

// Analyses returns a copy of the ordered page history.
func (t *RunTracker) Analyses() []listing.PageAnalysis {
	out := make([]listing.PageAnalysis, len(t.analyses))
	copy(out, t.analyses)
	return out
}

// PagesObserved returns how many pages have been recorded.
func (t *RunTracker) PagesObserved() int {
	return len(t.analyses)
}

// Observe records one page's analysis and returns the aggregated
// decision. Observing a page after a terminal state is a caller error.
func (t *RunTracker) Observe(analysis listing.PageAnalysis) (listing.Decision, error) {
	if t.Terminal() {
		return listing.Decision{}, listing.StateErrorf("run already %s", t.state)
	}

	t.analyses = append(t.analyses, analysis)
	decision := t.engine.Finalize(t.analyses, t.cfg)

	switch {
	case decision.ShouldStop && decision.Reason == ReasonSafetyLimit:
		t.state = StateExhaustedSafetyLimit
	case decision.ShouldStop:
		t.state = StateStopped
	case len(t.analyses) < t.cfg.MinPagesBeforeStopping:
		t.state = StateAwaitingEvidence
	default:
		t.state = StateEvaluating
	}
	return decision, nil
}
