package api

import (
	"context"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/rendis/crewflow/internal/diagram"
	"github.com/rendis/crewflow/pkg/schema"
)

type createWorkflowRequest struct {
	WorkflowID string                    `json:"workflow_id,omitempty"`
	CrewID     string                    `json:"crew_id"`
	CrewName   string                    `json:"crew_name"`
	Definition schema.WorkflowDefinition `json:"definition"`
	Input      string                    `json:"input"`
}

// handleCreateWorkflow registers a pending workflow without running it.
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Checker != nil {
		if err := s.deps.Checker.Check(req.Definition); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.WorkflowID == "" {
		req.WorkflowID = uuid.NewString()
	}
	st, err := s.deps.States.CreateState(r.Context(), req.WorkflowID, req.CrewID, req.CrewName, req.Definition, req.Input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := schema.StateFilter{
		Status: schema.WorkflowStatus(q.Get("status")),
		CrewID: q.Get("crew_id"),
	}
	writeJSON(w, http.StatusOK, s.deps.States.ListStates(filter))
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.States.GetState(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleDeleteWorkflow stops a live run, then drops the state together with
// its gates and retry counters.
func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	if s.deps.Executor.Running(id) {
		if err := s.deps.Executor.Cancel(ctx, id, "deleted"); err != nil {
			writeError(w, err)
			return
		}
	}
	if !s.deps.States.DeleteState(ctx, id) {
		writeError(w, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id))
		return
	}
	cleared := s.deps.Approvals.ClearWorkflowApprovals(ctx, id)
	s.deps.Rollback.ClearRetryCounters(id)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "approvals_cleared": cleared})
}

func (s *Server) handlePauseWorkflow(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.States.PauseWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleResumeWorkflow(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.States.ResumeWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUpdateContext(w http.ResponseWriter, r *http.Request) {
	var partial map[string]any
	if err := decodeBody(r, &partial); err != nil {
		writeError(w, err)
		return
	}
	st, err := s.deps.States.UpdateContext(r.Context(), r.PathValue("id"), partial)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type updateStatusRequest struct {
	Status schema.WorkflowStatus `json:"status"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Status == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "status is required"))
		return
	}
	st, err := s.deps.States.UpdateStatus(r.Context(), r.PathValue("id"), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.deps.States.GetSnapshots(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

// handleDiagram renders the workflow with its progress overlaid.
// ?format= selects mermaid (default) or ascii.
func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	format, err := diagram.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, schema.NewError(schema.ErrCodeValidation, err.Error()))
		return
	}
	st, err := s.deps.States.GetState(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	model, err := diagram.Build(&st.Definition, st)
	if err != nil {
		writeError(w, schema.NewError(schema.ErrCodeValidation, err.Error()))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, diagram.Render(model, format))
}

// handleEvents returns run log events with a sequence above ?since=.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	since, err := queryInt(r, "since", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := s.deps.Events.Events(r.Context(), r.PathValue("id"), int64(since))
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*schema.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Executor.Cancel(r.Context(), id, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	st, err := s.deps.States.GetState(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleContinueWorkflow resumes a workflow in the background from its
// current step index. The run outlives the request.
func (s *Server) handleContinueWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.deps.States.GetState(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if st.Status.Terminal() {
		writeError(w, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"workflow %q is %s; roll it back before continuing", id, st.Status))
		return
	}
	if s.deps.Executor.Running(id) {
		writeError(w, schema.NewErrorf(schema.ErrCodeAlreadyExists, "workflow %q is already running", id))
		return
	}

	ctx := context.WithoutCancel(r.Context())
	go s.resume(ctx, id)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"workflow_id": id,
		"from_step":   st.NextStep(),
	})
}

func (s *Server) resume(ctx context.Context, id string) {
	sum, err := s.deps.Executor.Resume(ctx, id, nil)
	if err != nil {
		s.deps.Logger.WarnContext(ctx, "background resume failed", "workflow_id", id, "error", err)
		return
	}
	s.deps.Logger.InfoContext(ctx, "background resume finished",
		"workflow_id", id, "status", sum.Status, "steps", len(sum.StepResults))
}
