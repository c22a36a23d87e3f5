package expressions

import "context"

// Engine evaluates expressions against workflow data.
// Three implementations: CEL and Expr (conditions), GoJQ (context queries).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Compiler is implemented by engines that can check an expression without
// evaluating it. Boundary validation uses it to reject bad definitions early.
type Compiler interface {
	Compile(expression string) error
}
