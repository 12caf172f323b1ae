package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/tfaulkner/listing-crawler/internal/clock/system"
	"github.com/tfaulkner/listing-crawler/internal/config"
	"github.com/tfaulkner/listing-crawler/internal/coordinator"
	"github.com/tfaulkner/listing-crawler/internal/dateparse"
	"github.com/tfaulkner/listing-crawler/internal/id/uuid"
	"github.com/tfaulkner/listing-crawler/internal/identity"
	"github.com/tfaulkner/listing-crawler/internal/listing"
	"github.com/tfaulkner/listing-crawler/internal/metrics"
	"github.com/tfaulkner/listing-crawler/internal/mode"
	"github.com/tfaulkner/listing-crawler/internal/policy"
	"github.com/tfaulkner/listing-crawler/internal/storage/memory"
)

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	metrics.Init()

	logger := zap.NewNop()
	clk := system.New()
	engine := policy.New(dateparse.New(), logger)
	tracker := identity.New(memory.NewIdentityStore(), clk, logger)
	catalog := mode.NewCatalog()

	coord, err := coordinator.New(coordinator.Options{
		Catalog:     catalog,
		Engine:      engine,
		Identity:    tracker,
		Runs:        memory.NewRunStore(),
		Clock:       clk,
		IDGenerator: uuid.NewUUIDGenerator(),
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("coordinator.New() error = %v", err)
	}
	if cfg.Crawler.DefaultMode == "" {
		cfg.Crawler.DefaultMode = mode.Incremental
	}
	return NewServer(coord, catalog, cfg, logger)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func startRunForTest(t *testing.T, handler http.Handler, city string) listing.RunRecord {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/runs", startRunRequest{City: city})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start run status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp startRunResponse
	decodeInto(t, rec, &resp)
	if resp.Run.ID == "" {
		t.Fatalf("start run returned empty run id")
	}
	return resp.Run
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, config.Config{})

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := doJSON(t, s.Handler(), http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, rec.Code)
		}
	}
}

func TestListModes(t *testing.T) {
	s := newTestServer(t, config.Config{})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/modes", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/v1/modes status = %d", rec.Code)
	}
	var resp struct {
		Modes []listing.ModeConfig `json:"modes"`
	}
	decodeInto(t, rec, &resp)
	if len(resp.Modes) != 5 {
		t.Fatalf("expected 5 modes, got %d", len(resp.Modes))
	}
}

func TestStartRunForcesFullWithoutHistory(t *testing.T) {
	s := newTestServer(t, config.Config{})

	run := startRunForTest(t, s.Handler(), "haarlem")
	if run.Mode != mode.Full {
		t.Fatalf("expected full mode for first run, got %s", run.Mode)
	}
	if run.Status != listing.RunStatusRunning {
		t.Fatalf("expected running status, got %s", run.Status)
	}

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/runs/"+run.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET run status = %d", rec.Code)
	}
	var resp struct {
		Run listing.RunRecord `json:"run"`
	}
	decodeInto(t, rec, &resp)
	if resp.Run.ID != run.ID || resp.Run.City != "haarlem" {
		t.Fatalf("unexpected run payload: %+v", resp.Run)
	}
}

func TestStartRunRejectsMissingCity(t *testing.T) {
	s := newTestServer(t, config.Config{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/runs", startRunRequest{Mode: mode.Incremental})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing city, got %d", rec.Code)
	}
}

func TestStartRunRejectsUnknownMode(t *testing.T) {
	s := newTestServer(t, config.Config{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/runs", startRunRequest{City: "gouda", Mode: "turbo"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown mode, got %d", rec.Code)
	}
}

func TestEvaluatePageLifecycle(t *testing.T) {
	s := newTestServer(t, config.Config{})
	run := startRunForTest(t, s.Handler(), "haarlem")

	page := evaluatePageRequest{
		PageNumber: 1,
		Listings: []pageListing{
			{DateText: "2 hours ago", URL: "https://example.com/listing/1"},
			{DateText: "Today", URL: "https://example.com/listing/2"},
			{DateText: "3 days ago", URL: "https://example.com/listing/3"},
		},
	}
	rec := doJSON(t, s.Handler(), http.MethodPost, fmt.Sprintf("/api/v1/runs/%s/pages", run.ID), page)
	if rec.Code != http.StatusOK {
		t.Fatalf("evaluate page status = %d, body %s", rec.Code, rec.Body.String())
	}
	var eval listing.PageEvaluation
	decodeInto(t, rec, &eval)
	if eval.Verdict != listing.VerdictContinue {
		t.Fatalf("expected continue verdict, got %s (%s)", eval.Verdict, eval.Reason)
	}
	if eval.NewListings != 3 || eval.DuplicateListings != 0 {
		t.Fatalf("expected 3 new listings, got %+v", eval)
	}

	// Skipping a page breaks the ordering contract.
	page.PageNumber = 3
	rec = doJSON(t, s.Handler(), http.MethodPost, fmt.Sprintf("/api/v1/runs/%s/pages", run.ID), page)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-order page, got %d", rec.Code)
	}

	rec = doJSON(t, s.Handler(), http.MethodPost, fmt.Sprintf("/api/v1/runs/%s/finalize", run.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize status = %d, body %s", rec.Code, rec.Body.String())
	}
	var report listing.RunReport
	decodeInto(t, rec, &report)
	if report.Run.Status != listing.RunStatusCompleted {
		t.Fatalf("expected completed run, got %s", report.Run.Status)
	}
	if len(report.Pages) != 1 {
		t.Fatalf("expected 1 page analysis, got %d", len(report.Pages))
	}

	// The report survives finalization through the store.
	rec = doJSON(t, s.Handler(), http.MethodGet, fmt.Sprintf("/api/v1/runs/%s/report", run.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("report status = %d", rec.Code)
	}

	rec = doJSON(t, s.Handler(), http.MethodPost, fmt.Sprintf("/api/v1/runs/%s/finalize", run.ID), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 finalizing an inactive run, got %d", rec.Code)
	}
}

func TestFailRun(t *testing.T) {
	s := newTestServer(t, config.Config{})
	run := startRunForTest(t, s.Handler(), "gouda")

	rec := doJSON(t, s.Handler(), http.MethodPost, fmt.Sprintf("/api/v1/runs/%s/fail", run.ID), failRunRequest{Reason: "source unreachable"})
	if rec.Code != http.StatusOK {
		t.Fatalf("fail run status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/v1/runs/"+run.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET run status = %d", rec.Code)
	}
	var resp struct {
		Run listing.RunRecord `json:"run"`
	}
	decodeInto(t, rec, &resp)
	if resp.Run.Status != listing.RunStatusFailed {
		t.Fatalf("expected failed status, got %s", resp.Run.Status)
	}
	if resp.Run.StopReason != "source unreachable" {
		t.Fatalf("expected stop reason carried over, got %q", resp.Run.StopReason)
	}
}

func TestUnknownRunReturnsNotFound(t *testing.T) {
	s := newTestServer(t, config.Config{})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/runs/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d", rec.Code)
	}

	rec = doJSON(t, s.Handler(), http.MethodPost, "/api/v1/runs/missing/pages", evaluatePageRequest{PageNumber: 1})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 evaluating a page for an unknown run, got %d", rec.Code)
	}
}

func TestDomainErrorStatusMapping(t *testing.T) {
	s := newTestServer(t, config.Config{})

	// Statuses come from the sentinel chain, never from message text, so
	// wording changes cannot reroute a response.
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"run not found", fmt.Errorf("%w: run-9", listing.ErrRunNotFound), http.StatusNotFound},
		{"run not active", fmt.Errorf("%w: run-9 is completed", listing.ErrRunNotActive), http.StatusBadRequest},
		{"contract violation", listing.ContractViolationf("pages out of order"), http.StatusBadRequest},
		{"state conflict", listing.StateErrorf("run run-9 already finalized"), http.StatusConflict},
		{"misleading state message", listing.StateErrorf("listing not found in batch"), http.StatusConflict},
		{"storage failure", listing.StorageErrorf("update run", errors.New("connection reset")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		s.writeDomainError(rec, tc.err)
		if rec.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sesame"
	s := newTestServer(t, cfg)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/modes", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without key, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/modes", nil)
	req.Header.Set("X-API-Key", "sesame")
	keyed := httptest.NewRecorder()
	s.Handler().ServeHTTP(keyed, req)
	if keyed.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", keyed.Code)
	}

	// Health endpoints stay open even with auth on.
	rec = doJSON(t, s.Handler(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthz to bypass auth, got %d", rec.Code)
	}
}
