package validation

import (
	"fmt"
	"regexp"
	"time"

	"github.com/rendis/crewflow/internal/expressions"
	"github.com/rendis/crewflow/pkg/schema"
)

// AgentLookup reports whether an agent id is registered.
type AgentLookup interface {
	Has(id string) bool
}

// ExpressionChecker compiles conditions and context queries without
// evaluating them.
type ExpressionChecker interface {
	CheckCondition(cond *schema.Condition) error
	CheckQuery(query string) error
}

// Context keys written by the engine itself. Steps may not claim them as
// output keys.
var reservedOutputKeys = map[string]bool{
	"error":       true,
	"last_output": true,
	"last_agent":  true,
}

var approvalKeyPattern = regexp.MustCompile(`^approval_[0-9]+$`)

const highAttemptCount = 10

// validateSemantic checks what the structural schema cannot: step ordering,
// agent registration, expression syntax and recovery tuning.
func validateSemantic(def *schema.WorkflowDefinition, agents AgentLookup, exprs ExpressionChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	names := make(map[string]int, len(def.Steps))
	outputKeys := make(map[string]int, len(def.Steps))

	if def.Recovery != nil {
		validateRecovery(def.Recovery, "recovery", result)
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if step.StepIndex != i {
			result.AddErrorf(path+".step_index", schema.ErrCodeValidation,
				"step_index %d does not match position %d; indexes must be contiguous from 0", step.StepIndex, i)
		}

		if agents != nil && !agents.Has(step.AgentID) {
			result.AddErrorf(path+".agent_id", schema.ErrCodeNotFound, "agent %q not registered", step.AgentID)
		}

		if step.Name != "" {
			if prev, ok := names[step.Name]; ok {
				result.AddErrorf(path+".name", schema.ErrCodeValidation,
					"duplicate step name %q (also steps[%d])", step.Name, prev)
			} else {
				names[step.Name] = i
			}
		}

		if step.OutputKey != "" {
			switch {
			case reservedOutputKeys[step.OutputKey] || approvalKeyPattern.MatchString(step.OutputKey):
				result.AddErrorf(path+".output_key", schema.ErrCodeValidation,
					"output_key %q is reserved", step.OutputKey)
			default:
				if prev, ok := outputKeys[step.OutputKey]; ok {
					result.AddWarning(path+".output_key", schema.ErrCodeValidation,
						fmt.Sprintf("output_key %q also written by steps[%d]; the later result wins", step.OutputKey, prev))
				} else {
					outputKeys[step.OutputKey] = i
				}
			}
		}

		if def.Type == schema.WorkflowConditional && step.Condition == nil {
			result.AddWarning(path+".condition", schema.ErrCodeValidation,
				"step has no condition and always runs")
		}

		if exprs != nil {
			if step.Condition != nil {
				if err := exprs.CheckCondition(step.Condition); err != nil {
					result.AddError(path+".condition.expression", schema.ErrCodeExpression, err.Error())
				}
			}
			if step.ContextQuery != "" {
				if err := exprs.CheckQuery(step.ContextQuery); err != nil {
					result.AddError(path+".context_query", schema.ErrCodeExpression, err.Error())
				}
			}
		}

		if step.Prompt != "" {
			if err := expressions.CheckPrompt(step.Prompt); err != nil {
				result.AddError(path+".prompt", schema.ErrCodeInterpolation, err.Error())
			}
		}

		if step.Recovery != nil {
			validateRecovery(step.Recovery, path+".recovery", result)
		}

		if step.ApprovalTimeout != "" && !step.RequiresApproval {
			result.AddWarning(path+".approval_timeout", schema.ErrCodeValidation,
				"approval_timeout is ignored when requires_approval is false")
		}
		validatePositiveDuration(step.ApprovalTimeout, path+".approval_timeout", result)
	}

	validatePositiveDuration(def.ApprovalTimeout, "approval_timeout", result)

	return result
}

func validateRecovery(r *schema.RecoveryStrategy, path string, result *schema.ValidationResult) {
	delay := validatePositiveDuration(r.Delay, path+".delay", result)
	maxDelay := validatePositiveDuration(r.MaxDelay, path+".max_delay", result)

	if r.Kind != schema.RecoveryRetry {
		if r.MaxAttempts != 0 || r.Backoff != "" || r.Delay != "" || r.MaxDelay != "" {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("retry tuning is ignored by %q recovery", r.Kind))
		}
		return
	}

	if r.MaxAttempts > highAttemptCount {
		result.AddWarning(path+".max_attempts", schema.ErrCodeValidation,
			fmt.Sprintf("high attempt count (%d) may cause excessive delays", r.MaxAttempts))
	}
	if delay > 0 && maxDelay > 0 && maxDelay < delay {
		result.AddWarning(path+".max_delay", schema.ErrCodeValidation,
			fmt.Sprintf("max_delay (%s) is below delay (%s); every retry waits max_delay", r.MaxDelay, r.Delay))
	}
}

// validatePositiveDuration parses s and records an error when it is not a
// positive duration. Empty strings are accepted and return zero.
func validatePositiveDuration(s, path string, result *schema.ValidationResult) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		result.AddErrorf(path, schema.ErrCodeValidation, "invalid duration %q: %v", s, err)
		return 0
	}
	if d <= 0 {
		result.AddErrorf(path, schema.ErrCodeValidation, "duration %q must be positive", s)
		return 0
	}
	return d
}
