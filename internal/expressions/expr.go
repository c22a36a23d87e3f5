package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/crewflow/pkg/schema"
)

// ExprEngine evaluates conditions written in expr-lang. Let bindings, array
// builtins, nil coalescing (??) and optional chaining (?.) are available.
// Programs compile against an untyped environment and are shared by every
// workflow.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

// NewExprEngine creates an expr-lang engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache(func(src string) (*vm.Program, error) {
		prg, err := expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, compileError("expr", src, err)
		}
		return prg, nil
	})}
}

func (e *ExprEngine) Name() string { return "expr" }

// Compile checks that expression parses.
func (e *ExprEngine) Compile(expression string) error {
	if expression == "" {
		return schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	_, err := e.programs.get(expression)
	return err
}

// Evaluate runs expression with data as its environment. Missing variables
// evaluate to nil.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
