package schema

// RecoveryKind enumerates the policies applied when a step fails.
type RecoveryKind string

const (
	RecoveryRetry                 RecoveryKind = "retry"
	RecoverySkip                  RecoveryKind = "skip"
	RecoveryRollbackToLastSuccess RecoveryKind = "rollback_to_last_success"
	RecoveryAbort                 RecoveryKind = "abort"
)

// Valid reports whether k is a known recovery kind.
func (k RecoveryKind) Valid() bool {
	switch k {
	case RecoveryRetry, RecoverySkip, RecoveryRollbackToLastSuccess, RecoveryAbort:
		return true
	}
	return false
}

// DefaultMaxAttempts applies when a retry strategy leaves MaxAttempts unset.
const DefaultMaxAttempts = 3

// RecoveryStrategy is supplied per call; it is never stored.
type RecoveryStrategy struct {
	Kind        RecoveryKind `json:"kind" yaml:"kind"`
	MaxAttempts int          `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"` // total attempts, including the first
	Backoff     string       `json:"backoff,omitempty" yaml:"backoff,omitempty"`           // none | constant | linear | exponential
	Delay       string       `json:"delay,omitempty" yaml:"delay,omitempty"`               // e.g. "500ms"
	MaxDelay    string       `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// Attempts returns MaxAttempts or the default when unset.
func (r RecoveryStrategy) Attempts() int {
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	return DefaultMaxAttempts
}

// Recovery actions reported in RecoveryResult.Action.
const (
	ActionRetry    = "retry"
	ActionSkip     = "skip"
	ActionRollback = "rollback"
	ActionAbort    = "abort"
)

// RecoveryResult is the verdict returned by RecoverFromError.
type RecoveryResult struct {
	Recovered bool           `json:"recovered"`
	Action    string         `json:"action"`
	Detail    string         `json:"detail"`
	Attempt   int            `json:"attempt,omitempty"`
	State     *WorkflowState `json:"state,omitempty"`
}

// CompensationAction describes, without executing, what undoing a step means.
type CompensationAction struct {
	StepIndex      int    `json:"step_index"`
	AgentID        string `json:"agent_id"`
	AgentName      string `json:"agent_name,omitempty"`
	Action         string `json:"action"`
	OriginalOutput string `json:"original_output"`
}
