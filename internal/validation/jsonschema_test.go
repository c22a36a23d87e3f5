package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crewflow/pkg/schema"
)

func TestJSONSchemaValidator_Valid(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Type:            schema.WorkflowParallel,
		ApprovalTimeout: "1h30m",
		Steps: []schema.StepDefinition{
			{AgentID: "a", StepIndex: 0, OutputKey: "a_out"},
			{AgentID: "b", StepIndex: 1, Recovery: &schema.RecoveryStrategy{Kind: schema.RecoverySkip}},
		},
	}
	assert.NoError(t, v.ValidateDefinition(def))
}

func TestJSONSchemaValidator_Nil(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	err = v.ValidateDefinition(nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestJSONSchemaValidator_ViolationsListed(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Type:  "graph",
		Steps: []schema.StepDefinition{{AgentID: "", StepIndex: 0}},
	}
	err = v.ValidateDefinition(def)
	require.Error(t, err)

	sErr, ok := err.(*schema.Error)
	require.True(t, ok)
	violations, ok := sErr.Details["violations"].([]string)
	require.True(t, ok)
	require.GreaterOrEqual(t, len(violations), 2)

	var sawType, sawAgent bool
	for _, msg := range violations {
		if len(msg) >= 5 && msg[:5] == "/type" {
			sawType = true
		}
		if len(msg) >= 17 && msg[:17] == "/steps/0/agent_id" {
			sawAgent = true
		}
	}
	assert.True(t, sawType, "violations: %v", violations)
	assert.True(t, sawAgent, "violations: %v", violations)
}

func TestJSONSchemaValidator_DurationPattern(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	for _, d := range []string{"500ms", "1h30m", "2.5s", "10us"} {
		def := &schema.WorkflowDefinition{
			Type:            schema.WorkflowSequential,
			ApprovalTimeout: d,
			Steps:           []schema.StepDefinition{{AgentID: "a"}},
		}
		assert.NoError(t, v.ValidateDefinition(def), d)
	}
	for _, d := range []string{"-1s", "5", "ten minutes", "1d"} {
		def := &schema.WorkflowDefinition{
			Type:            schema.WorkflowSequential,
			ApprovalTimeout: d,
			Steps:           []schema.StepDefinition{{AgentID: "a"}},
		}
		assert.Error(t, v.ValidateDefinition(def), d)
	}
}
