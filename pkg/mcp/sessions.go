package mcp

import "sync"

// SessionRegistry maps agent IDs to MCP session IDs so async runs can notify
// the agent that started them. crewflow.run records the mapping when called
// with agent_id; one session may serve several agents.
type SessionRegistry struct {
	mu      sync.RWMutex
	byAgent map[string]string
	agents  map[string]map[string]struct{} // session ID to agent IDs
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byAgent: make(map[string]string),
		agents:  make(map[string]map[string]struct{}),
	}
}

// Register binds agentID to sessionID, replacing any earlier session of the
// agent (a reconnect).
func (r *SessionRegistry) Register(agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byAgent[agentID]; ok && prev != sessionID {
		r.unbind(prev, agentID)
	}
	r.byAgent[agentID] = sessionID
	set, ok := r.agents[sessionID]
	if !ok {
		set = make(map[string]struct{})
		r.agents[sessionID] = set
	}
	set[agentID] = struct{}{}
}

// SessionFor returns the session bound to agentID.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byAgent[agentID]
	return sid, ok
}

// Remove drops every agent bound to sessionID. The server calls it from its
// unregister-session hook.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for agentID := range r.agents[sessionID] {
		if r.byAgent[agentID] == sessionID {
			delete(r.byAgent, agentID)
		}
	}
	delete(r.agents, sessionID)
}

// Len returns the number of bound agents.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAgent)
}

func (r *SessionRegistry) unbind(sessionID, agentID string) {
	set := r.agents[sessionID]
	delete(set, agentID)
	if len(set) == 0 {
		delete(r.agents, sessionID)
	}
}
