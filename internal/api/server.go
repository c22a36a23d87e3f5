// Package api exposes the engine over HTTP: workflow state, approvals,
// rollback, execution and live event streams.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/crewflow/internal/approval"
	"github.com/rendis/crewflow/internal/engine"
	"github.com/rendis/crewflow/internal/logging"
	"github.com/rendis/crewflow/internal/rollback"
	"github.com/rendis/crewflow/internal/state"
	"github.com/rendis/crewflow/internal/streaming"
	"github.com/rendis/crewflow/pkg/schema"
)

// EventReader reads a workflow's run log.
type EventReader interface {
	Events(ctx context.Context, workflowID string, since int64) ([]*schema.Event, error)
}

// Deps holds the collaborators behind the API. Gatherer and Checker are
// optional; every other field is required.
type Deps struct {
	States    *state.Manager
	Approvals *approval.Manager
	Rollback  *rollback.Manager
	Executor  engine.Executor
	Events    EventReader
	Hub       streaming.EventHub
	Checker   engine.DefinitionChecker
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	deps.Logger = deps.Logger.With(slog.String("component", "api"))
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for every API route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Workflow state.
	mux.HandleFunc("POST /api/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleDeleteWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/pause", s.handlePauseWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/resume", s.handleResumeWorkflow)
	mux.HandleFunc("PATCH /api/workflows/{id}/context", s.handleUpdateContext)
	mux.HandleFunc("PUT /api/workflows/{id}/status", s.handleUpdateStatus)
	mux.HandleFunc("GET /api/workflows/{id}/snapshots", s.handleSnapshots)
	mux.HandleFunc("GET /api/workflows/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/workflows/{id}/diagram", s.handleDiagram)

	// Rollback and recovery.
	mux.HandleFunc("POST /api/workflows/{id}/rollback", s.handleRollback)
	mux.HandleFunc("POST /api/workflows/{id}/rollback/last-success", s.handleRollbackLastSuccess)
	mux.HandleFunc("POST /api/workflows/{id}/recover", s.handleRecover)
	mux.HandleFunc("DELETE /api/workflows/{id}/retries", s.handleClearRetries)
	mux.HandleFunc("GET /api/workflows/{id}/compensation", s.handleCompensation)

	// Run control.
	mux.HandleFunc("POST /api/workflows/{id}/cancel", s.handleCancelWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/continue", s.handleContinueWorkflow)
	mux.HandleFunc("POST /api/execute", s.handleExecute)
	mux.HandleFunc("POST /api/execute/stream", s.handleExecuteStream)

	// Approvals.
	mux.HandleFunc("POST /api/approvals", s.handleRequestApproval)
	mux.HandleFunc("GET /api/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /api/approvals/{id}/decision", s.handleDecision)
	mux.HandleFunc("DELETE /api/approvals/{id}", s.handleCancelApproval)
	mux.HandleFunc("DELETE /api/workflows/{id}/approvals", s.handleClearApprovals)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/workflows/{id}", s.handleSSEWorkflow)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	return s.logRequests(mux)
}

// logRequests logs every request at debug level, and server errors at warn.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.deps.Logger.Log(r.Context(), level, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE handlers working behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"pool":   s.deps.Executor.Stats(),
	})
}
