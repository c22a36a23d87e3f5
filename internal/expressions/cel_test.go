package expressions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rendis/crewflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_ContextAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"context": map[string]any{
			"score":       int64(7),
			"last_output": "needs review",
			"flags":       map[string]any{"urgent": true},
		},
		"input": "summarize the report",
	}

	tests := []struct {
		expr string
		want any
	}{
		{`context.score > 5`, true},
		{`context.last_output.contains("review")`, true},
		{`context.flags.urgent`, true},
		{`"score" in context && context.score < 3`, false},
		{`input.startsWith("summarize")`, true},
		{`has(context.missing)`, false},
		{`size(input)`, int64(20)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestCEL_WorkflowMetadata(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `workflow.crew_name == "research"`, map[string]any{
		"workflow": map[string]any{"crew_name": "research"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_MissingDataKeys_DefaultToEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `size(context) == 0 && input == ""`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_EmptyExpression(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, &schema.Error{Code: schema.ErrCodeValidation}))
}

func TestCEL_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	err = e.Compile(`context.score >`)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "CEL compile error")
}

func TestCEL_UndeclaredVariable(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	err = e.Compile(`steps.a.output == "x"`)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestCEL_RuntimeError_MissingField(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `context.nope == 1`, map[string]any{"context": map[string]any{}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))
}

func TestCEL_ProgramCaching(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(context.Background(), `input == "x"`, map[string]any{"input": "x"})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, e.programs.len())
}

func TestCEL_Concurrent(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			expr := fmt.Sprintf("context.n == %d", n%5)
			out, err := e.Evaluate(context.Background(), expr, map[string]any{
				"context": map[string]any{"n": int64(n % 5)},
			})
			if err != nil {
				errs <- err
				return
			}
			if out != true {
				errs <- fmt.Errorf("%s returned %v", expr, out)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
