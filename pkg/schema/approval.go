package schema

import "time"

// GateResolution is the lifecycle state of an approval gate.
type GateResolution string

const (
	GatePending  GateResolution = "pending"
	GateApproved GateResolution = "approved"
	GateDenied   GateResolution = "denied"
)

// ApprovalGate is a blocking checkpoint bound to one workflow step.
type ApprovalGate struct {
	GateID        string         `json:"gate_id"`
	WorkflowID    string         `json:"workflow_id"`
	StepIndex     int            `json:"step_index"`
	StepName      string         `json:"step_name"`
	RequestedData map[string]any `json:"requested_data,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	Timeout       time.Duration  `json:"timeout"`
	Resolution    GateResolution `json:"resolution"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// ApprovalRequest is the input to RequestApproval.
type ApprovalRequest struct {
	StepIndex int            `json:"step_index"`
	StepName  string         `json:"step_name"`
	Data      map[string]any `json:"data,omitempty"`
	Timeout   time.Duration  `json:"timeout,omitempty"`
}

// ApprovalDecision is delivered exactly once per gate.
type ApprovalDecision struct {
	GateID    string         `json:"gate_id,omitempty"`
	Approved  bool           `json:"approved"`
	Reason    string         `json:"reason,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	TimedOut  bool           `json:"timed_out,omitempty"`
	Cancelled bool           `json:"cancelled,omitempty"`
}
