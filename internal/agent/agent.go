// Package agent resolves agent ids to callable backends. An agent is any
// service that turns a prompt into text, optionally streaming chunks.
package agent

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/crewflow/pkg/schema"
)

// Invoker calls an agent. onChunk, when non-nil, receives streamed fragments
// in order before Invoke returns the full text.
type Invoker interface {
	Invoke(ctx context.Context, agentID, prompt string, onChunk func(string)) (string, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, agentID, prompt string, onChunk func(string)) (string, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, agentID, prompt string, onChunk func(string)) (string, error) {
	return f(ctx, agentID, prompt, onChunk)
}

// Agent is one catalog entry.
type Agent struct {
	ID        string            `json:"id" yaml:"id"`
	Name      string            `json:"name,omitempty" yaml:"name,omitempty"`
	Endpoint  string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Model     string            `json:"model,omitempty" yaml:"model,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	RateLimit float64           `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"` // requests per second, 0 = unlimited
	Burst     int               `json:"burst,omitempty" yaml:"burst,omitempty"`
	Timeout   string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MCP       *MCPServer        `json:"mcp,omitempty" yaml:"mcp,omitempty"`
}

// MCPServer launches an agent as a local MCP server over stdio. Prompts are
// sent as a call to Tool (default "invoke").
type MCPServer struct {
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
	Env     []string `json:"env,omitempty" yaml:"env,omitempty"`
	Tool    string   `json:"tool,omitempty" yaml:"tool,omitempty"`
}

// DisplayName returns the agent name, falling back to its id.
func (a Agent) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// Registry is the thread-safe agent catalog.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates a registry holding agents.
func NewRegistry(agents ...Agent) (*Registry, error) {
	r := &Registry{agents: make(map[string]Agent)}
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an agent. Returns ALREADY_EXISTS on a duplicate id.
func (r *Registry) Register(a Agent) error {
	if a.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent id is empty")
	}
	if a.MCP != nil {
		if a.MCP.Command == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "agent %q: mcp.command is empty", a.ID)
		}
		if a.Endpoint != "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "agent %q: endpoint and mcp are mutually exclusive", a.ID)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[a.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeAlreadyExists, "agent %q already registered", a.ID)
	}
	r.agents[a.ID] = a
	return nil
}

// Get returns the agent with id.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[id]
	if !ok {
		return Agent{}, schema.NewErrorf(schema.ErrCodeNotFound, "agent %q not registered", id)
	}
	return a, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// Name returns the display name for id, or id itself when unknown. A nil
// registry resolves every id to itself.
func (r *Registry) Name(id string) string {
	if r == nil {
		return id
	}
	if a, err := r.Get(id); err == nil {
		return a.DisplayName()
	}
	return id
}

// List returns every agent sorted by id.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
