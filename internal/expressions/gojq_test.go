package expressions

import (
	"context"
	"testing"

	"github.com/rendis/crewflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGoJQEngine(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())
}

func TestGoJQ_Select(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{
		"research": map[string]any{"sources": []any{"a", "b"}, "score": float64(3)},
		"notes":    "keep it short",
	}

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"field", `.notes`, "keep it short"},
		{"nested", `.research.score`, float64(3)},
		{"missing", `.nothing`, nil},
		{"object construction", `{sources: .research.sources}`, map[string]any{"sources": []any{"a", "b"}}},
		{"multiple outputs", `.research.sources[]`, []any{"a", "b"}},
		{"no outputs", `empty`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestGoJQ_EvaluateNormalized(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.EvaluateNormalized(context.Background(), `.count + 1`, map[string]any{"count": 2})
	require.NoError(t, err)
	assert.Equal(t, float64(3), out)
}

func TestGoJQ_ParseError(t *testing.T) {
	e := NewGoJQEngine()
	err := e.Compile(`.foo[`)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestGoJQ_RuntimeError(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Evaluate(context.Background(), `.name + 1`, map[string]any{"name": "x"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))
}

func TestGoJQ_Sandbox_NoEnvAccess(t *testing.T) {
	t.Setenv("CREWFLOW_TEST_SECRET", "hunter2")
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `$ENV.CREWFLOW_TEST_SECRET`, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestNormalizeForJQ(t *testing.T) {
	got := normalizeForJQ(map[string]any{
		"a": 1,
		"b": []any{int64(2), "x"},
		"c": []string{"y"},
	})
	assert.Equal(t, map[string]any{
		"a": float64(1),
		"b": []any{float64(2), "x"},
		"c": []any{"y"},
	}, got)
	assert.Nil(t, normalizeForJQ(nil))
}
