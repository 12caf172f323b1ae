// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tfaulkner/listing-crawler/internal/config"
	"github.com/tfaulkner/listing-crawler/internal/coordinator"
	"github.com/tfaulkner/listing-crawler/internal/listing"
	"github.com/tfaulkner/listing-crawler/internal/metrics"
	"github.com/tfaulkner/listing-crawler/internal/mode"
)

// Server wires HTTP handlers to the run coordinator.
type Server struct {
	router  chi.Router
	coord   *coordinator.Coordinator
	catalog *mode.Catalog
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	coord *coordinator.Coordinator,
	catalog *mode.Catalog,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		coord:   coord,
		catalog: catalog,
		cfg:     cfg,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/modes", s.listModes)
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.startRun)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getRun)
				r.Post("/pages", s.evaluatePage)
				r.Post("/finalize", s.finalizeRun)
				r.Post("/fail", s.failRun)
				r.Get("/report", s.getReport)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	// Stores are checked at startup; signal ready once routes are up.
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listModes(w http.ResponseWriter, _ *http.Request) {
	names := s.catalog.Names()
	modes := make([]listing.ModeConfig, 0, len(names))
	for _, name := range names {
		cfg, err := s.catalog.Config(name)
		if err != nil {
			continue
		}
		modes = append(modes, cfg)
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"modes": modes})
}

type startRunRequest struct {
	City      string          `json:"city"`
	Mode      string          `json:"mode"`
	Overrides *mode.Overrides `json:"overrides,omitempty"`
}

type startRunResponse struct {
	Run      listing.RunRecord `json:"run"`
	Warnings []string          `json:"warnings,omitempty"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Mode == "" {
		req.Mode = s.cfg.Crawler.DefaultMode
	}
	record, validation, err := s.coord.StartRun(r.Context(), req.City, req.Mode, req.Overrides)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusCreated, startRunResponse{
		Run:      record,
		Warnings: validation.Warnings,
	})
}

type pageListing struct {
	DateText string `json:"date_text"`
	URL      string `json:"url"`
}

type evaluatePageRequest struct {
	PageNumber int           `json:"page_number"`
	Listings   []pageListing `json:"listings"`
}

func (s *Server) evaluatePage(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	var req evaluatePageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	texts := make([]string, len(req.Listings))
	urls := make([]string, len(req.Listings))
	for i, l := range req.Listings {
		texts[i] = l.DateText
		urls[i] = l.URL
	}
	evaluation, err := s.coord.EvaluatePage(r.Context(), runID, req.PageNumber, texts, urls)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, evaluation)
}

func (s *Server) finalizeRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	report, err := s.coord.FinalizeRun(r.Context(), runID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, report)
}

type failRunRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) failRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	var req failRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	var cause error
	if req.Reason != "" {
		cause = errors.New(req.Reason)
	}
	if err := s.coord.FailRun(r.Context(), runID, cause); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{
		"run_id": runID,
		"status": string(listing.RunStatusFailed),
	})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.coord.GetRun(r.Context(), runID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	report, err := s.coord.Report(r.Context(), runID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, report)
}

// writeDomainError maps the error taxonomy onto HTTP statuses: unknown
// runs are 404, contract violations are the caller's fault, state
// errors are lifecycle conflicts, storage errors are ours.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, listing.ErrRunNotFound):
		writeError(s.logger, w, http.StatusNotFound, err.Error())
	case errors.Is(err, listing.ErrContractViolation):
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
	case errors.Is(err, listing.ErrState):
		writeError(s.logger, w, http.StatusConflict, err.Error())
	case errors.Is(err, listing.ErrStorage):
		s.logger.Error("storage failure", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "storage failure")
	default:
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(logger, w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(zap.NewNop(), w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
