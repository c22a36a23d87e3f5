package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCrewflowServer(t *testing.T) {
	s := NewCrewflowServer(CrewflowServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
	assert.NotNil(t, s.sessions)
}

func TestToolRegistration(t *testing.T) {
	s := NewCrewflowServer(CrewflowServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 8)

	expectedTools := []string{
		"crewflow.run",
		"crewflow.status",
		"crewflow.list",
		"crewflow.events",
		"crewflow.approvals",
		"crewflow.decide",
		"crewflow.rollback",
		"crewflow.cancel",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
		required    []string
	}{
		{"run", "crewflow.run", "Run a crew workflow from an inline definition", []string{"input"}},
		{"status", "crewflow.status", "Get a workflow's state and pending approval gates", []string{"workflow_id"}},
		{"list", "crewflow.list", "List workflows", nil},
		{"events", "crewflow.events", "Read a workflow's run log", []string{"workflow_id"}},
		{"approvals", "crewflow.approvals", "List pending approval gates", nil},
		{"decide", "crewflow.decide", "Approve or deny a pending approval gate", []string{"gate_id", "approved"}},
		{"rollback", "crewflow.rollback", "Roll a workflow back to a step, or to its last successful step", []string{"workflow_id"}},
		{"cancel", "crewflow.cancel", "Cancel a workflow and clear its approval gates", []string{"workflow_id"}},
	}

	s := NewCrewflowServer(CrewflowServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
			assert.ElementsMatch(t, tc.required, tool.Tool.InputSchema.Required)
		})
	}
}
