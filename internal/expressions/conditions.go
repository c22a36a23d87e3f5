package expressions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/crewflow/pkg/schema"
)

// Evaluator dispatches step conditions and context queries to the right engine.
type Evaluator struct {
	cel  *CELEngine
	expr *ExprEngine
	jq   *GoJQEngine
}

// NewEvaluator builds an Evaluator with all three engines.
func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		cel:  celEngine,
		expr: NewExprEngine(),
		jq:   NewGoJQEngine(),
	}, nil
}

// ConditionData is the variable set a condition sees.
func ConditionData(state *schema.WorkflowState) map[string]any {
	return map[string]any{
		"context": state.Context,
		"input":   state.Input,
		"workflow": map[string]any{
			"id":        state.ID,
			"crew_id":   state.CrewID,
			"crew_name": state.CrewName,
		},
	}
}

func (ev *Evaluator) engineFor(lang schema.ConditionLanguage) (Engine, error) {
	switch lang {
	case schema.ConditionCEL:
		return ev.cel, nil
	case schema.ConditionExpr:
		return ev.expr, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition language %q", lang)
	}
}

// CheckCondition compiles cond without evaluating it.
func (ev *Evaluator) CheckCondition(cond *schema.Condition) error {
	engine, err := ev.engineFor(cond.Lang())
	if err != nil {
		return err
	}
	return engine.(Compiler).Compile(cond.Expression)
}

// CheckQuery compiles a gojq context query.
func (ev *Evaluator) CheckQuery(query string) error {
	return ev.jq.Compile(query)
}

// Condition evaluates cond against the workflow state. A nil condition is
// true. A non-boolean result is an error rather than a truthiness guess.
func (ev *Evaluator) Condition(ctx context.Context, cond *schema.Condition, state *schema.WorkflowState) (bool, error) {
	if cond == nil {
		return true, nil
	}
	engine, err := ev.engineFor(cond.Lang())
	if err != nil {
		return false, err
	}
	out, err := engine.Evaluate(ctx, cond.Expression, ConditionData(state))
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"condition %q returned %T, want bool", cond.Expression, out).
			WithDetails(map[string]any{"expression": cond.Expression, "language": string(cond.Lang())})
	}
	return b, nil
}

// SelectContext runs a gojq query over the workflow context and renders the
// result for inclusion in a prompt. Strings are returned verbatim, everything
// else as compact JSON. An empty query or a null result yields "".
func (ev *Evaluator) SelectContext(ctx context.Context, query string, data map[string]any) (string, error) {
	if query == "" {
		return "", nil
	}
	out, err := ev.jq.EvaluateNormalized(ctx, query, data)
	if err != nil {
		return "", err
	}
	switch v := out.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode context selection: %w", err)
		}
		return string(raw), nil
	}
}
