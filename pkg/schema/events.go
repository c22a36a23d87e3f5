package schema

import (
	"encoding/json"
	"time"
)

// Event type constants for the run log and live streams.
const (
	EventWorkflowCreated    = "workflow_created"
	EventWorkflowStarted    = "workflow_started"
	EventWorkflowPaused     = "workflow_paused"
	EventWorkflowResumed    = "workflow_resumed"
	EventWorkflowCompleted  = "workflow_completed"
	EventWorkflowFailed     = "workflow_failed"
	EventWorkflowRolledBack = "workflow_rolled_back"
	EventWorkflowDeleted    = "workflow_deleted"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"

	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"

	EventRecoveryApplied = "recovery_applied"
)

// Event is one append-only run log record.
type Event struct {
	ID         int64           `json:"id,omitempty"`
	WorkflowID string          `json:"workflow_id"`
	StepIndex  *int            `json:"step_index,omitempty"`
	AgentID    string          `json:"agent_id,omitempty"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// NewEvent builds an event, marshaling payload when non-nil.
func NewEvent(workflowID, eventType string, payload any) *Event {
	ev := &Event{WorkflowID: workflowID, Type: eventType, Timestamp: time.Now().UTC()}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// AtStep sets the step index and agent on the event.
func (e *Event) AtStep(stepIndex int, agentID string) *Event {
	e.StepIndex = &stepIndex
	e.AgentID = agentID
	return e
}
