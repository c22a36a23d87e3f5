package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crewflow/pkg/schema"
)

func TestRenderMermaidSequential(t *testing.T) {
	m, err := Build(sequentialWorkflow(), nil)
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.Contains(t, out, "graph TD\n")
	assert.Contains(t, out, "%% sequential workflow")
	assert.Contains(t, out, `__start__(("Start"))`)
	assert.Contains(t, out, `step_0["research (researcher)"]`)
	assert.Contains(t, out, `gate_1{{"approval"}}`)
	assert.Contains(t, out, "gate_1 -->|approved| step_1")
	assert.Contains(t, out, "step_2 --> __end__")
	assert.Contains(t, out, "classDef completed")
	assert.NotContains(t, out, "class step_")
}

func TestRenderMermaidConditional(t *testing.T) {
	m, err := Build(conditionalWorkflow(), nil)
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.Contains(t, out, `cond_1{"context.severity == #quot;high#quot;"}`)
	assert.Contains(t, out, "cond_1 -->|true| step_1")
	assert.Contains(t, out, "cond_1 -->|false| step_2")
}

func TestRenderMermaidWithStatus(t *testing.T) {
	def := sequentialWorkflow()
	st := &schema.WorkflowState{
		Definition:  *def,
		Status:      schema.WorkflowStatusRunning,
		StepResults: []schema.StepResult{{DefinitionIndex: 0, Success: true}},
	}
	m, err := Build(def, st)
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.Contains(t, out, "class step_0 completed")
	assert.Contains(t, out, "class step_1 running")
	assert.Contains(t, out, "class step_2 pending")
}

func TestRender_Dispatch(t *testing.T) {
	m, err := Build(parallelWorkflow(), nil)
	require.NoError(t, err)

	assert.Equal(t, RenderMermaid(m), Render(m, FormatMermaid))
	assert.Equal(t, RenderASCII(m), Render(m, FormatASCII))
}
