package plugins

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/crewflow/internal/agent"
)

// Dialer connects to an agent's MCP server and completes the initialize
// handshake.
type Dialer func(ctx context.Context, a agent.Agent) (*client.Client, error)

// StdioDialer launches a.MCP.Command as a subprocess speaking MCP on stdio.
func StdioDialer(ctx context.Context, a agent.Agent) (*client.Client, error) {
	c, err := client.NewStdioMCPClient(a.MCP.Command, a.MCP.Env, a.MCP.Args...)
	if err != nil {
		return nil, fmt.Errorf("start %q: %w", a.MCP.Command, err)
	}
	if err := Handshake(ctx, c); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Handshake sends the MCP initialize request.
func Handshake(ctx context.Context, c *client.Client) error {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.Capabilities = mcp.ClientCapabilities{}
	req.Params.ClientInfo = mcp.Implementation{Name: "crewflow", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, req); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return nil
}
