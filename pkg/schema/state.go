package schema

import (
	"encoding/json"
	"time"
)

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
)

// Terminal reports whether no transition leaves this status.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed
}

// WorkflowState is the mutable aggregate for one workflow run. Only the state
// manager mutates it; everything else works on copies.
type WorkflowState struct {
	ID               string             `json:"id"`
	CrewID           string             `json:"crew_id"`
	CrewName         string             `json:"crew_name"`
	Definition       WorkflowDefinition `json:"definition"`
	Input            string             `json:"input"`
	Status           WorkflowStatus     `json:"status"`
	Context          map[string]any     `json:"context"`
	StepResults      []StepResult       `json:"step_results"`
	CurrentStepIndex int                `json:"current_step_index"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Clone returns a deep copy. Context values are copied through a JSON round
// trip when they are not plain scalars so later merges never alias.
func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}
	out := *s
	out.Definition = s.Definition.Clone()
	out.Context = CloneContext(s.Context)
	out.StepResults = make([]StepResult, len(s.StepResults))
	copy(out.StepResults, s.StepResults)
	return &out
}

// LastSuccess returns the slot of the most recent successful result, or -1.
// Recovery skips (success=false) never count.
func (s *WorkflowState) LastSuccess() int {
	for i := len(s.StepResults) - 1; i >= 0; i-- {
		if s.StepResults[i].Success {
			return i
		}
	}
	return -1
}

// NextStep returns the definition index an ordered run executes next: the
// one after the latest settled (successful or skipped) result. Failed
// attempts stay in StepResults without moving it, so a retry reruns the
// same step.
func (s *WorkflowState) NextStep() int {
	for i := len(s.StepResults) - 1; i >= 0; i-- {
		if r := s.StepResults[i]; r.Success || r.Skipped {
			return r.DefinitionIndex + 1
		}
	}
	return 0
}

// CloneContext deep-copies a context map.
func CloneContext(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool, int, int64, float64, json.Number:
		return t
	case map[string]any:
		return CloneContext(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return t
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return t
		}
		return decoded
	}
}

// StepResult records one attempt at a step. StepIndex is the contiguous slot
// in WorkflowState.StepResults; DefinitionIndex points into Definition.Steps.
type StepResult struct {
	StepIndex       int           `json:"step_index"`
	DefinitionIndex int           `json:"definition_index"`
	AgentID         string        `json:"agent_id"`
	AgentName       string        `json:"agent_name,omitempty"`
	Input           string        `json:"input"`
	Output          string        `json:"output,omitempty"`
	Success         bool          `json:"success"`
	Skipped         bool          `json:"skipped,omitempty"`
	Error           string        `json:"error,omitempty"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	Duration        time.Duration `json:"duration"`
}

// SkippedError is the error text recorded for a step skipped by recovery.
const SkippedError = "skipped"

// StateFilter narrows ListStates. Empty fields match everything.
type StateFilter struct {
	Status WorkflowStatus `json:"status,omitempty"`
	CrewID string         `json:"crew_id,omitempty"`
}

// SnapshotReason labels why a snapshot was taken.
type SnapshotReason string

const (
	SnapshotCreated       SnapshotReason = "created"
	SnapshotStatusChanged SnapshotReason = "status_changed"
	SnapshotStepRecorded  SnapshotReason = "step_recorded"
	SnapshotRolledBack    SnapshotReason = "rolled_back"
)

// Snapshot is an immutable point-in-time copy of a WorkflowState, addressed
// by the state's CurrentStepIndex when it was taken.
type Snapshot struct {
	WorkflowID string         `json:"workflow_id"`
	StepIndex  int            `json:"step_index"`
	Sequence   int64          `json:"sequence"`
	Reason     SnapshotReason `json:"reason"`
	TakenAt    time.Time      `json:"taken_at"`
	State      *WorkflowState `json:"state"`
}
