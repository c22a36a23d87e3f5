package api

import (
	"net/http"
	"time"

	"github.com/rendis/crewflow/pkg/schema"
)

type requestApprovalRequest struct {
	WorkflowID string         `json:"workflow_id"`
	StepIndex  int            `json:"step_index"`
	StepName   string         `json:"step_name"`
	Data       map[string]any `json:"data,omitempty"`
	Timeout    string         `json:"timeout,omitempty"`
}

// handleRequestApproval opens a gate and returns it immediately. The caller
// resolves it later through the decision endpoint.
func (s *Server) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	var req requestApprovalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.WorkflowID == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "workflow_id is required"))
		return
	}
	var timeout time.Duration
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "invalid timeout %q", req.Timeout))
			return
		}
		timeout = d
	}
	if _, err := s.deps.States.GetState(req.WorkflowID); err != nil {
		writeError(w, err)
		return
	}

	ticket, err := s.deps.Approvals.RequestApproval(r.Context(), req.WorkflowID, schema.ApprovalRequest{
		StepIndex: req.StepIndex,
		StepName:  req.StepName,
		Data:      req.Data,
		Timeout:   timeout,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket.Gate())
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	gates := s.deps.Approvals.GetPendingApprovals(r.URL.Query().Get("workflow_id"))
	if gates == nil {
		gates = []schema.ApprovalGate{}
	}
	writeJSON(w, http.StatusOK, gates)
}

type decisionRequest struct {
	Approved bool           `json:"approved"`
	Reason   string         `json:"reason,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	gateID := r.PathValue("id")
	err := s.deps.Approvals.ProvideDecision(r.Context(), gateID, schema.ApprovalDecision{
		GateID:   gateID,
		Approved: req.Approved,
		Reason:   req.Reason,
		Data:     req.Data,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelApproval(w http.ResponseWriter, r *http.Request) {
	gateID := r.PathValue("id")
	if !s.deps.Approvals.CancelApproval(r.Context(), gateID) {
		writeError(w, schema.NewErrorf(schema.ErrCodeGateNotFound, "approval gate %q not found or already resolved", gateID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearApprovals(w http.ResponseWriter, r *http.Request) {
	n := s.deps.Approvals.ClearWorkflowApprovals(r.Context(), r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}
