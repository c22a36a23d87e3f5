// Package plugins runs agents that are local MCP servers. Each agent with an
// mcp block gets one long-lived client session; prompts become tool calls.
package plugins

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/crewflow/internal/agent"
	"github.com/rendis/crewflow/internal/logging"
	"github.com/rendis/crewflow/pkg/schema"
)

const (
	defaultTool           = "invoke"
	defaultCallTimeout    = 5 * time.Minute
	defaultHealthInterval = 30 * time.Second
	pingTimeout           = 5 * time.Second
	unhealthyAfter        = 3
	maxRedialBackoff      = time.Minute
)

// Server states reported by Statuses.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusStopped   = "stopped"
)

// Status describes one agent's MCP session.
type Status struct {
	AgentID   string `json:"agent_id"`
	Status    string `json:"status"`
	Errors    int    `json:"errors"`
	LastError string `json:"last_error,omitempty"`
}

// Manager is an agent.Invoker for MCP-served agents. Agents without an mcp
// block are handed to next.
type Manager struct {
	registry *agent.Registry
	next     agent.Invoker
	dial     Dialer
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	servers map[string]*managedServer
	closed  bool
}

type managedServer struct {
	client    *client.Client
	status    string
	errCount  int
	lastErr   string
	redialAt  time.Time
	stopWatch context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces StdioDialer.
func WithDialer(d Dialer) Option { return func(m *Manager) { m.dial = d } }

// WithHealthInterval sets how often live sessions are pinged.
func WithHealthInterval(d time.Duration) Option { return func(m *Manager) { m.interval = d } }

// NewManager creates a Manager resolving agents through registry.
func NewManager(registry *agent.Registry, next agent.Invoker, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	m := &Manager{
		registry: registry,
		next:     next,
		dial:     StdioDialer,
		interval: defaultHealthInterval,
		logger:   logger.With(slog.String("component", "plugins")),
		servers:  make(map[string]*managedServer),
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Invoke calls the agent's tool with {"prompt", "agent_id", "model"} and
// returns the concatenated text content. The reply arrives in one piece, so
// onChunk sees it once.
func (m *Manager) Invoke(ctx context.Context, agentID, prompt string, onChunk func(string)) (string, error) {
	a, err := m.registry.Get(agentID)
	if err != nil {
		return "", err
	}
	if a.MCP == nil {
		if m.next == nil {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "agent %q has no mcp server", agentID)
		}
		return m.next.Invoke(ctx, agentID, prompt, onChunk)
	}

	c, err := m.session(ctx, a)
	if err != nil {
		return "", err
	}

	timeout := defaultCallTimeout
	if a.Timeout != "" {
		if d, err := time.ParseDuration(a.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := map[string]any{"prompt": prompt, "agent_id": a.ID}
	if a.Model != "" {
		args["model"] = a.Model
	}
	tool := a.MCP.Tool
	if tool == "" {
		tool = defaultTool
	}
	res, err := c.CallTool(callCtx, mcp.CallToolRequest{Params: mcp.CallToolParams{Name: tool, Arguments: args}})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if callCtx.Err() != nil {
			return "", schema.NewErrorf(schema.ErrCodeTimeout, "agent %q did not answer within %s", agentID, timeout).WithCause(err)
		}
		m.fail(agentID, c, err)
		return "", schema.NewErrorf(schema.ErrCodeAgentInvocationFailed, "agent %q: call %s: %v", agentID, tool, err).WithCause(err)
	}

	out := text(res.Content)
	if res.IsError {
		return "", schema.NewErrorf(schema.ErrCodeAgentInvocationFailed, "agent %q: %s", agentID, out)
	}
	if onChunk != nil && out != "" {
		onChunk(out)
	}
	return out, nil
}

// session returns the live client for a, dialing when there is none. A
// session that failed is redialed with exponential backoff.
func (m *Manager) session(ctx context.Context, a agent.Agent) (*client.Client, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeCancelled, "plugin manager is closed")
	}
	s := m.servers[a.ID]
	if s != nil && s.client != nil {
		c := s.client
		m.mu.Unlock()
		return c, nil
	}
	if s != nil && m.now().Before(s.redialAt) {
		lastErr := s.lastErr
		m.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeAgentInvocationFailed, "agent %q mcp server is unhealthy: %s", a.ID, lastErr)
	}
	m.mu.Unlock()

	c, err := m.dial(ctx, a)

	m.mu.Lock()
	defer m.mu.Unlock()
	if s = m.servers[a.ID]; s == nil {
		s = &managedServer{}
		m.servers[a.ID] = s
	}
	if err != nil {
		m.recordError(a.ID, s, err)
		return nil, schema.NewErrorf(schema.ErrCodeAgentInvocationFailed, "agent %q: %v", a.ID, err).WithCause(err)
	}
	if m.closed || s.client != nil {
		// Closed meanwhile, or a concurrent dial won.
		_ = c.Close()
		if s.client == nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "plugin manager is closed")
		}
		return s.client, nil
	}

	watchCtx, stop := context.WithCancel(context.Background())
	s.client, s.status, s.errCount, s.lastErr, s.stopWatch = c, StatusHealthy, 0, "", stop
	go m.healthLoop(watchCtx, a.ID, c)

	m.logger.Info("mcp agent connected", slog.String("agent_id", a.ID), slog.String("command", a.MCP.Command))
	return c, nil
}

// healthLoop pings c until it is replaced or the manager closes.
func (m *Manager) healthLoop(ctx context.Context, agentID string, c *client.Client) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := c.Ping(pingCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		s := m.servers[agentID]
		if s == nil || s.client != c {
			m.mu.Unlock()
			return
		}
		if err == nil {
			s.errCount, s.lastErr = 0, ""
			m.mu.Unlock()
			continue
		}
		s.errCount++
		s.lastErr = err.Error()
		if s.errCount < unhealthyAfter {
			m.mu.Unlock()
			continue
		}
		m.drop(agentID, s)
		m.mu.Unlock()
		return
	}
}

// fail drops c after a failed call so the next call redials.
func (m *Manager) fail(agentID string, c *client.Client, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.servers[agentID]
	if s == nil || s.client != c {
		return
	}
	m.recordError(agentID, s, err)
}

// recordError marks s unhealthy and closes its client. Callers hold m.mu.
func (m *Manager) recordError(agentID string, s *managedServer, err error) {
	s.errCount++
	s.lastErr = err.Error()
	m.drop(agentID, s)
}

// drop closes the session and schedules the earliest redial:
// min(1s * 2^(errors-1), 1m). Callers hold m.mu.
func (m *Manager) drop(agentID string, s *managedServer) {
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
	s.status = StatusUnhealthy
	backoff := time.Duration(math.Min(
		float64(time.Second)*math.Pow(2, float64(s.errCount-1)),
		float64(maxRedialBackoff),
	))
	s.redialAt = m.now().Add(backoff)
	m.logger.Warn("mcp agent unhealthy",
		slog.String("agent_id", agentID),
		slog.Int("consecutive_errors", s.errCount),
		slog.Duration("backoff", backoff),
		slog.String("error", s.lastErr))
}

// Statuses reports every agent that has been dialed, sorted by agent id.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.servers))
	for id, s := range m.servers {
		out = append(out, Status{AgentID: id, Status: s.status, Errors: s.errCount, LastError: s.lastErr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Close ends every session. Later calls for MCP agents fail with CANCELLED.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	var errs []error
	for _, s := range m.servers {
		if s.stopWatch != nil {
			s.stopWatch()
		}
		if s.client != nil {
			errs = append(errs, s.client.Close())
			s.client = nil
		}
		s.status = StatusStopped
	}
	return errors.Join(errs...)
}

func text(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if t := mcp.GetTextFromContent(c); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

var _ agent.Invoker = (*Manager)(nil)
