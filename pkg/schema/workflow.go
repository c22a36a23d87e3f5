package schema

import "time"

// WorkflowType selects how the executor walks a definition's steps.
type WorkflowType string

const (
	WorkflowSequential  WorkflowType = "sequential"
	WorkflowParallel    WorkflowType = "parallel"
	WorkflowConditional WorkflowType = "conditional"
)

// Valid reports whether t is a known workflow type.
func (t WorkflowType) Valid() bool {
	switch t {
	case WorkflowSequential, WorkflowParallel, WorkflowConditional:
		return true
	}
	return false
}

// WorkflowDefinition is the immutable input to a run. It is accepted as JSON
// (API, MCP) or YAML (CLI) and validated before any state is created.
type WorkflowDefinition struct {
	Type            WorkflowType      `json:"type" yaml:"type"`
	Steps           []StepDefinition  `json:"steps" yaml:"steps"`
	Recovery        *RecoveryStrategy `json:"recovery,omitempty" yaml:"recovery,omitempty"`
	ApprovalTimeout string            `json:"approval_timeout,omitempty" yaml:"approval_timeout,omitempty"` // e.g. "30m"
}

// StepDefinition describes one stage delegated to a single agent.
type StepDefinition struct {
	AgentID          string            `json:"agent_id" yaml:"agent_id"`
	StepIndex        int               `json:"step_index" yaml:"step_index"`
	Name             string            `json:"name,omitempty" yaml:"name,omitempty"`
	RequiresApproval bool              `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
	ApprovalTimeout  string            `json:"approval_timeout,omitempty" yaml:"approval_timeout,omitempty"`
	Condition        *Condition        `json:"condition,omitempty" yaml:"condition,omitempty"` // conditional workflows only
	Recovery         *RecoveryStrategy `json:"recovery,omitempty" yaml:"recovery,omitempty"`
	OutputKey        string            `json:"output_key,omitempty" yaml:"output_key,omitempty"`
	ContextQuery     string            `json:"context_query,omitempty" yaml:"context_query,omitempty"` // gojq filter
	Prompt           string            `json:"prompt,omitempty" yaml:"prompt,omitempty"`               // ${{...}} template; default composition when empty
}

// DisplayName returns the step name, falling back to its agent id.
func (s StepDefinition) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.AgentID
}

// ConditionLanguage names the expression engine that evaluates a Condition.
type ConditionLanguage string

const (
	ConditionCEL  ConditionLanguage = "cel"
	ConditionExpr ConditionLanguage = "expr"
)

// Condition is a branch predicate evaluated against {context, input}.
type Condition struct {
	Language   ConditionLanguage `json:"language,omitempty" yaml:"language,omitempty"` // default: cel
	Expression string            `json:"expression" yaml:"expression"`
}

// Lang returns the effective language, defaulting to CEL.
func (c *Condition) Lang() ConditionLanguage {
	if c == nil || c.Language == "" {
		return ConditionCEL
	}
	return c.Language
}

// ApprovalTimeoutFor resolves the gate timeout for a step: the step override,
// then the definition default, then zero (manager default).
func (d *WorkflowDefinition) ApprovalTimeoutFor(step StepDefinition) time.Duration {
	for _, s := range []string{step.ApprovalTimeout, d.ApprovalTimeout} {
		if s == "" {
			continue
		}
		if dur, err := time.ParseDuration(s); err == nil {
			return dur
		}
	}
	return 0
}

// RecoveryFor resolves the recovery strategy for a step: the step override,
// then the definition default, then fallback.
func (d *WorkflowDefinition) RecoveryFor(step StepDefinition, fallback RecoveryStrategy) RecoveryStrategy {
	if step.Recovery != nil {
		return *step.Recovery
	}
	if d.Recovery != nil {
		return *d.Recovery
	}
	return fallback
}

// Clone returns a deep copy of the definition.
func (d *WorkflowDefinition) Clone() WorkflowDefinition {
	out := *d
	if d.Recovery != nil {
		r := *d.Recovery
		out.Recovery = &r
	}
	out.Steps = make([]StepDefinition, len(d.Steps))
	for i, s := range d.Steps {
		if s.Condition != nil {
			c := *s.Condition
			s.Condition = &c
		}
		if s.Recovery != nil {
			r := *s.Recovery
			s.Recovery = &r
		}
		out.Steps[i] = s
	}
	return out
}
