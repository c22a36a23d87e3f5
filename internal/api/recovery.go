package api

import (
	"net/http"

	"github.com/rendis/crewflow/pkg/schema"
)

type rollbackRequest struct {
	StepIndex *int `json:"step_index"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.StepIndex == nil || *req.StepIndex < 0 {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "step_index must be a non-negative integer"))
		return
	}
	st, err := s.deps.Rollback.RollbackToStep(r.Context(), r.PathValue("id"), *req.StepIndex)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRollbackLastSuccess(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Rollback.RollbackToLastSuccess(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type recoverRequest struct {
	// StepIndex is the result slot to recover; the latest result when nil.
	StepIndex *int                    `json:"step_index,omitempty"`
	Strategy  schema.RecoveryStrategy `json:"strategy"`
}

// handleRecover applies a recovery strategy to a recorded failed result.
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	st, err := s.deps.States.GetState(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(st.StepResults) == 0 {
		writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q has no step results", id))
		return
	}

	slot := len(st.StepResults) - 1
	if req.StepIndex != nil {
		slot = *req.StepIndex
	}
	if slot < 0 || slot >= len(st.StepResults) {
		writeError(w, schema.NewErrorf(schema.ErrCodeValidation,
			"step_index %d out of range [0, %d)", slot, len(st.StepResults)))
		return
	}
	failed := st.StepResults[slot]
	if failed.Success {
		writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "step result %d did not fail", slot).WithStep(slot))
		return
	}

	res, err := s.deps.Rollback.RecoverFromError(r.Context(), id, failed, req.Strategy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleClearRetries(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.States.GetState(id); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Rollback.ClearRetryCounters(id)
	w.WriteHeader(http.StatusNoContent)
}

// handleCompensation lists compensation actions for ?from=&to=, defaulting
// to every recorded result.
func (s *Server) handleCompensation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.deps.States.GetState(id)
	if err != nil {
		writeError(w, err)
		return
	}
	from, err := queryInt(r, "from", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := queryInt(r, "to", len(st.StepResults)-1)
	if err != nil {
		writeError(w, err)
		return
	}
	actions, err := s.deps.Rollback.GetCompensationActions(id, from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actions)
}
