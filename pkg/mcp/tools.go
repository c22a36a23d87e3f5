package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/crewflow/internal/engine"
	"github.com/rendis/crewflow/internal/streaming"
	"github.com/rendis/crewflow/internal/validation"
	"github.com/rendis/crewflow/pkg/schema"
)

// handleRun executes a workflow, waiting for the summary unless async is set.
func (s *CrewflowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := req.RequireString("input")
	if err != nil {
		return mcp.NewToolResultError("input is required"), nil
	}
	def, err := definitionFrom(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	run := engine.Run{
		WorkflowID: req.GetString("workflow_id", ""),
		CrewID:     req.GetString("crew_id", ""),
		CrewName:   req.GetString("crew_name", ""),
		Definition: *def,
		Input:      input,
	}
	agentID := req.GetString("agent_id", "")
	if agentID != "" {
		s.captureSession(ctx, agentID)
	}

	if !req.GetBool("async", false) {
		sum, runErr := s.executor.Execute(ctx, run)
		if runErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
		}
		return marshalResult(sum)
	}

	if run.WorkflowID == "" {
		run.WorkflowID = uuid.NewString()
	}
	bg := context.WithoutCancel(ctx)
	if agentID != "" {
		s.watch(bg, run.WorkflowID, agentID)
	}
	go func() {
		if _, runErr := s.executor.Execute(bg, run); runErr != nil {
			s.logger.WarnContext(bg, "async run failed", "workflow_id", run.WorkflowID, "error", runErr)
		}
	}()
	return marshalResult(map[string]any{
		"workflow_id": run.WorkflowID,
		"accepted":    true,
	})
}

// definitionFrom reads the definition object, falling back to definition_yaml.
func definitionFrom(req mcp.CallToolRequest) (*schema.WorkflowDefinition, error) {
	if raw := mcp.ParseStringMap(req, "definition", nil); raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid definition: %w", err)
		}
		var def schema.WorkflowDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("invalid definition: %w", err)
		}
		return &def, nil
	}
	if src := req.GetString("definition_yaml", ""); src != "" {
		return validation.Decode([]byte(src))
	}
	return nil, fmt.Errorf("definition or definition_yaml is required")
}

// handleStatus returns the workflow state with its pending gates.
func (s *CrewflowServer) handleStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	st, err := s.states.GetState(workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"state":             st,
		"running":           s.executor.Running(workflowID),
		"pending_approvals": s.approvals.GetPendingApprovals(workflowID),
	})
}

func (s *CrewflowServer) handleList(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	states := s.states.ListStates(schema.StateFilter{
		Status: schema.WorkflowStatus(req.GetString("status", "")),
		CrewID: req.GetString("crew_id", ""),
	})

	// Definitions and results make full states heavy; list a digest.
	out := make([]map[string]any, 0, len(states))
	for _, st := range states {
		out = append(out, map[string]any{
			"id":                 st.ID,
			"crew_id":            st.CrewID,
			"crew_name":          st.CrewName,
			"type":               st.Definition.Type,
			"status":             st.Status,
			"current_step_index": st.CurrentStepIndex,
			"steps":              len(st.Definition.Steps),
			"updated_at":         st.UpdatedAt,
		})
	}
	return marshalResult(map[string]any{"workflows": out})
}

func (s *CrewflowServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	if s.events == nil {
		return mcp.NewToolResultError("run log is not configured"), nil
	}
	events, err := s.events.Events(ctx, workflowID, int64(req.GetInt("since", 0)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *CrewflowServer) handleApprovals(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	gates := s.approvals.GetPendingApprovals(req.GetString("workflow_id", ""))
	return marshalResult(map[string]any{"approvals": gates})
}

func (s *CrewflowServer) handleDecide(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	gateID, err := req.RequireString("gate_id")
	if err != nil {
		return mcp.NewToolResultError("gate_id is required"), nil
	}
	approved, err := req.RequireBool("approved")
	if err != nil {
		return mcp.NewToolResultError("approved is required"), nil
	}
	decision := schema.ApprovalDecision{
		GateID:   gateID,
		Approved: approved,
		Reason:   req.GetString("reason", ""),
		Data:     mcp.ParseStringMap(req, "data", nil),
	}
	if err := s.approvals.ProvideDecision(ctx, gateID, decision); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("decision failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"ok":       true,
		"gate_id":  gateID,
		"approved": approved,
	})
}

// handleRollback rewinds a workflow and optionally resumes it.
func (s *CrewflowServer) handleRollback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	var st *schema.WorkflowState
	if _, ok := req.GetArguments()["step_index"]; ok {
		target := req.GetInt("step_index", -1)
		if target < 0 {
			return mcp.NewToolResultError("step_index must be a non-negative integer"), nil
		}
		st, err = s.rollback.RollbackToStep(ctx, workflowID, target)
	} else {
		st, err = s.rollback.RollbackToLastSuccess(ctx, workflowID)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("rollback failed: %v", err)), nil
	}

	resumed := false
	if req.GetBool("continue", false) && !s.executor.Running(workflowID) {
		bg := context.WithoutCancel(ctx)
		go func() {
			if _, runErr := s.executor.Resume(bg, workflowID, nil); runErr != nil {
				s.logger.WarnContext(bg, "resume after rollback failed", "workflow_id", workflowID, "error", runErr)
			}
		}()
		resumed = true
	}

	return marshalResult(map[string]any{
		"workflow_id":        workflowID,
		"status":             st.Status,
		"current_step_index": st.CurrentStepIndex,
		"step_results":       len(st.StepResults),
		"resumed":            resumed,
	})
}

func (s *CrewflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	if err := s.executor.Cancel(ctx, workflowID, req.GetString("reason", "")); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"ok": true, "workflow_id": workflowID})
}

// --- Internal helpers ---

// watchedEvents are pushed to the agent that started an async run.
var watchedEvents = []string{
	schema.EventApprovalRequested,
	schema.EventWorkflowCompleted,
	schema.EventWorkflowFailed,
}

// watch forwards approval requests and the terminal event of workflowID to
// agentID until the workflow finishes.
func (s *CrewflowServer) watch(ctx context.Context, workflowID, agentID string) {
	if s.hub == nil {
		return
	}
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{WorkflowID: workflowID, Types: watchedEvents})
	if err != nil {
		s.logger.WarnContext(ctx, "watch subscribe failed", "workflow_id", workflowID, "error", err)
		return
	}
	go func() {
		defer cancel()
		for ev := range ch {
			payload := map[string]any{
				"workflow_id": ev.WorkflowID,
				"event":       ev.Type,
				"payload":     ev.Payload,
			}
			if err := s.notifier.Notify(ctx, agentID, payload); err != nil {
				s.logger.WarnContext(ctx, "notify agent failed", "agent_id", agentID, "error", err)
			}
			if ev.Type != schema.EventApprovalRequested {
				return
			}
		}
	}()
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *CrewflowServer) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
