// Package mcp exposes crewflow as Model Context Protocol tools so agents can
// start crews, watch them and answer approval gates.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/crewflow/internal/approval"
	"github.com/rendis/crewflow/internal/engine"
	"github.com/rendis/crewflow/internal/logging"
	"github.com/rendis/crewflow/internal/rollback"
	"github.com/rendis/crewflow/internal/state"
	"github.com/rendis/crewflow/internal/streaming"
	"github.com/rendis/crewflow/pkg/schema"
)

// EventReader reads a workflow's run log.
type EventReader interface {
	Events(ctx context.Context, workflowID string, since int64) ([]*schema.Event, error)
}

// CrewflowServerDeps holds the dependencies for creating a CrewflowServer.
// Events and Hub are optional.
type CrewflowServerDeps struct {
	Executor  engine.Executor
	States    *state.Manager
	Approvals *approval.Manager
	Rollback  *rollback.Manager
	Events    EventReader
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

// CrewflowServer wraps an MCP server with crewflow tool handlers.
type CrewflowServer struct {
	executor  engine.Executor
	states    *state.Manager
	approvals *approval.Manager
	rollback  *rollback.Manager
	events    EventReader
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  AgentNotifier
	mcpServer *server.MCPServer
}

// NewCrewflowServer creates a CrewflowServer with every tool registered.
func NewCrewflowServer(deps CrewflowServerDeps) *CrewflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	s := &CrewflowServer{
		executor:  deps.Executor,
		states:    deps.States,
		approvals: deps.Approvals,
		rollback:  deps.Rollback,
		events:    deps.Events,
		hub:       deps.Hub,
		logger:    logger.With(slog.String("component", "mcp")),
		sessions:  NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"crewflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("crewflow orchestrates crews of AI agents. Use crewflow.run to start a workflow, crewflow.status and crewflow.list to follow it, crewflow.approvals and crewflow.decide to answer approval gates, crewflow.rollback to rewind a run and crewflow.cancel to stop it."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *CrewflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *CrewflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *CrewflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: approvalsTool(), Handler: s.handleApprovals},
		{Tool: decideTool(), Handler: s.handleDecide},
		{Tool: rollbackTool(), Handler: s.handleRollback},
		{Tool: cancelTool(), Handler: s.handleCancel},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("crewflow.run",
		mcp.WithDescription("Run a crew workflow from an inline definition"),
		mcp.WithObject("definition", mcp.Description("Workflow definition object (type, steps, recovery)")),
		mcp.WithString("definition_yaml", mcp.Description("Workflow definition as YAML, used when definition is absent")),
		mcp.WithString("input", mcp.Required(), mcp.Description("Initial input handed to the first agent")),
		mcp.WithString("crew_id", mcp.Description("Crew identifier")),
		mcp.WithString("crew_name", mcp.Description("Crew display name")),
		mcp.WithString("workflow_id", mcp.Description("Workflow ID (default: generated)")),
		mcp.WithBoolean("async", mcp.Description("Return immediately with the workflow ID instead of waiting for the summary")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent; async runs push approval and completion notifications to it")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("crewflow.status",
		mcp.WithDescription("Get a workflow's state and pending approval gates"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to query")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("crewflow.list",
		mcp.WithDescription("List workflows"),
		mcp.WithString("status", mcp.Enum("pending", "running", "paused", "completed", "failed"), mcp.Description("Only workflows in this status")),
		mcp.WithString("crew_id", mcp.Description("Only workflows of this crew")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("crewflow.events",
		mcp.WithDescription("Read a workflow's run log"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithNumber("since", mcp.Description("Only events with a sequence above this value")),
	)
}

func approvalsTool() mcp.Tool {
	return mcp.NewTool("crewflow.approvals",
		mcp.WithDescription("List pending approval gates"),
		mcp.WithString("workflow_id", mcp.Description("Only gates of this workflow")),
	)
}

func decideTool() mcp.Tool {
	return mcp.NewTool("crewflow.decide",
		mcp.WithDescription("Approve or deny a pending approval gate"),
		mcp.WithString("gate_id", mcp.Required(), mcp.Description("ID of the gate")),
		mcp.WithBoolean("approved", mcp.Required(), mcp.Description("true to approve, false to deny")),
		mcp.WithString("reason", mcp.Description("Reason recorded with the decision")),
		mcp.WithObject("data", mcp.Description("Data merged into the workflow context on approval")),
	)
}

func rollbackTool() mcp.Tool {
	return mcp.NewTool("crewflow.rollback",
		mcp.WithDescription("Roll a workflow back to a step, or to its last successful step"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithNumber("step_index", mcp.Description("Target step index (default: after the last successful step)")),
		mcp.WithBoolean("continue", mcp.Description("Resume execution in the background after rolling back")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("crewflow.cancel",
		mcp.WithDescription("Cancel a workflow and clear its approval gates"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("reason", mcp.Description("Cancellation reason")),
	)
}
