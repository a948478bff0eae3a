// Package api exposes the engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/triage/internal/core/domain"
	"github.com/vietddude/triage/internal/infra/storage"
	"github.com/vietddude/triage/internal/triage/health"
	"github.com/vietddude/triage/internal/triage/orchestrator"
)

const (
	maxBodyBytes        = 1 << 20
	defaultRecentLimit  = 50
	maxRecentLimit      = 1000
	readHeaderTimeout   = 5 * time.Second
	requestWriteTimeout = 2 * time.Minute
)

// Engine is the part of the decision engine served over HTTP.
type Engine interface {
	Evaluate(ctx context.Context, ev domain.FailureEvent) (*domain.Decision, error)
	ReportCompletion(ctx context.Context, attemptID string, succeeded bool) error
	CancelRetry(ctx context.Context, key domain.RunKey) error
	RunStatus(ctx context.Context, key domain.RunKey) (orchestrator.RunStatus, error)
	Stats(ctx context.Context, errorType domain.ErrorType, env domain.Environment) (domain.RollingStats, int, error)
}

// Reader is the read side of the ledger.
type Reader interface {
	storage.DecisionRepository
	storage.RunRepository
}

// Server provides the HTTP API plus health and metrics endpoints.
type Server struct {
	engine  Engine
	reader  Reader
	monitor *health.Monitor
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(engine Engine, reader Reader, monitor *health.Monitor, port int) *Server {
	s := &Server{
		engine:  engine,
		reader:  reader,
		monitor: monitor,
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      requestWriteTimeout,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleDetailed)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/events", s.handleEvaluate)
	mux.HandleFunc("GET /v1/decisions", s.handleRecentDecisions)
	mux.HandleFunc("POST /v1/attempts/{id}/completion", s.handleCompletion)
	mux.HandleFunc("GET /v1/runs/{pipeline_id}/{run_id}", s.handleRunState)
	mux.HandleFunc("DELETE /v1/runs/{pipeline_id}/{run_id}/retry", s.handleCancel)
	mux.HandleFunc("GET /v1/stats/{error_type}/{environment}", s.handleStats)

	return mux
}

// Start starts the HTTP server. It returns nil after Stop.
func (s *Server) Start() error {
	slog.Info("API server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())
	code := http.StatusOK
	if report.Status == health.StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(report.Status)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.CheckHealth(r.Context()))
}

// -----------------------------------------------------------------------------
// Decisions
// -----------------------------------------------------------------------------

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var ev domain.FailureEvent
	if err := decodeJSON(w, r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = time.Now().UTC()
	}

	// A client that hangs up must not turn an in-progress evaluation into a
	// classification failure; the engine bounds the call with its own timeouts.
	d, err := s.engine.Evaluate(context.WithoutCancel(r.Context()), ev)
	if errors.Is(err, domain.ErrDuplicateEvent) {
		// Redelivery: answer with the decision already on record.
		existing, lookupErr := s.reader.GetDecision(r.Context(), ev.Key())
		if lookupErr != nil || existing == nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusConflict, existing)
		return
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleRecentDecisions(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = min(n, maxRecentLimit)
	}

	decisions, err := s.reader.RecentDecisions(r.Context(), limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if decisions == nil {
		decisions = []*domain.Decision{}
	}
	writeJSON(w, http.StatusOK, decisions)
}

// -----------------------------------------------------------------------------
// Attempts and runs
// -----------------------------------------------------------------------------

type completionRequest struct {
	Succeeded *bool `json:"succeeded"`
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Succeeded == nil {
		writeError(w, http.StatusBadRequest, errors.New("succeeded is required"))
		return
	}

	id := r.PathValue("id")
	if err := s.engine.ReportCompletion(r.Context(), id, *req.Succeeded); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempt_id": id, "succeeded": *req.Succeeded})
}

type runStateResponse struct {
	PipelineID     string     `json:"pipeline_id"`
	RunID          string     `json:"run_id"`
	RootRunID      string     `json:"root_run_id"`
	AttemptCount   int        `json:"attempt_count"`
	LastDecisionAt *time.Time `json:"last_decision_at,omitempty"`
	State          string     `json:"state"`
	Description    string     `json:"description"`
	InFlight       bool       `json:"in_flight"`
	AttemptID      string     `json:"attempt_id,omitempty"`
	GuardHolder    string     `json:"guard_holder,omitempty"`
}

func (s *Server) handleRunState(w http.ResponseWriter, r *http.Request) {
	key := domain.RunKey{PipelineID: r.PathValue("pipeline_id"), RunID: r.PathValue("run_id")}
	root, err := s.reader.ResolveRun(r.Context(), key)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	rs, err := s.reader.GetRunState(r.Context(), root)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	status, err := s.engine.RunStatus(r.Context(), root)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	resp := runStateResponse{
		PipelineID:   key.PipelineID,
		RunID:        key.RunID,
		RootRunID:    root.RunID,
		AttemptCount: rs.AttemptCount,
		State:        string(status.State),
		Description:  orchestrator.StateDescription(status.State),
		// A holder on the distributed guard means another replica runs the retry.
		InFlight:    status.State.InFlight() || status.Holder != "",
		AttemptID:   status.AttemptID,
		GuardHolder: status.Holder,
	}
	if !rs.LastDecisionAt.IsZero() {
		resp.LastDecisionAt = &rs.LastDecisionAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	key := domain.RunKey{PipelineID: r.PathValue("pipeline_id"), RunID: r.PathValue("run_id")}
	err := s.engine.CancelRetry(r.Context(), key)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case errors.Is(err, domain.ErrCancelNotGuaranteed):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested", "error": err.Error()})
	default:
		writeError(w, statusFor(err), err)
	}
}

// -----------------------------------------------------------------------------
// Stats
// -----------------------------------------------------------------------------

type statsResponse struct {
	domain.RollingStats
	SuccessRate        float64 `json:"success_rate"`
	EffectiveThreshold int     `json:"effective_threshold"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	errorType := domain.ErrorType(r.PathValue("error_type"))
	env := domain.Environment(r.PathValue("environment"))
	if !errorType.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid error_type %q", errorType))
		return
	}
	if !env.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid environment %q", env))
		return
	}

	stats, threshold, err := s.engine.Stats(r.Context(), errorType, env)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		RollingStats:       stats,
		SuccessRate:        stats.SuccessRate(),
		EffectiveThreshold: threshold,
	})
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAttemptNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateEvent),
		errors.Is(err, domain.ErrAttemptFinalized),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		slog.Error("Request failed", "status", code, "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
