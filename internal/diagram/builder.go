package diagram

import (
	"fmt"

	"github.com/rendis/crewflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// chain is the node run for one step: an optional condition, an optional
// approval gate, then the agent.
type chain struct {
	cond, gate, agent string
}

func (c chain) entry() string {
	switch {
	case c.cond != "":
		return c.cond
	case c.gate != "":
		return c.gate
	}
	return c.agent
}

// Build constructs a Model from a definition. When st is non-nil every node
// carries the run's progress.
func Build(def *schema.WorkflowDefinition, st *schema.WorkflowState) (*Model, error) {
	if def == nil || len(def.Steps) == 0 {
		return nil, fmt.Errorf("diagram: workflow definition has no steps")
	}

	m := &Model{Title: title(def, st)}
	m.Nodes = append(m.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})

	chains := make([]chain, len(def.Steps))
	for i, step := range def.Steps {
		c := chain{agent: fmt.Sprintf("step_%d", i)}
		if step.Condition != nil && def.Type == schema.WorkflowConditional {
			c.cond = fmt.Sprintf("cond_%d", i)
			m.Nodes = append(m.Nodes, &Node{ID: c.cond, Label: step.Condition.Expression, Kind: NodeKindCondition})
		}
		if step.RequiresApproval {
			c.gate = fmt.Sprintf("gate_%d", i)
			m.Nodes = append(m.Nodes, &Node{ID: c.gate, Label: "approval", Kind: NodeKindApproval})
		}
		m.Nodes = append(m.Nodes, &Node{ID: c.agent, Label: agentLabel(step), Kind: NodeKindAgent})
		chains[i] = c
	}
	m.Nodes = append(m.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	if def.Type == schema.WorkflowParallel {
		buildParallel(m, chains)
	} else {
		buildOrdered(m, chains)
	}

	if st != nil {
		overlay(m, def, st, chains)
	}
	return m, nil
}

func buildOrdered(m *Model, chains []chain) {
	m.Levels = append(m.Levels, []string{startID})
	prev := startID
	for i, c := range chains {
		next := endID
		if i+1 < len(chains) {
			next = chains[i+1].entry()
		}

		m.Edges = append(m.Edges, Edge{From: prev, To: c.entry()})
		if c.cond != "" {
			m.Levels = append(m.Levels, []string{c.cond})
			target := c.agent
			if c.gate != "" {
				target = c.gate
			}
			m.Edges = append(m.Edges,
				Edge{From: c.cond, To: target, Label: "true"},
				Edge{From: c.cond, To: next, Label: "false"},
			)
		}
		if c.gate != "" {
			m.Levels = append(m.Levels, []string{c.gate})
			m.Edges = append(m.Edges, Edge{From: c.gate, To: c.agent, Label: "approved"})
		}
		m.Levels = append(m.Levels, []string{c.agent})
		prev = c.agent
	}
	m.Edges = append(m.Edges, Edge{From: prev, To: endID})
	m.Levels = append(m.Levels, []string{endID})
}

func buildParallel(m *Model, chains []chain) {
	var gates, agents []string
	for _, c := range chains {
		if c.gate != "" {
			gates = append(gates, c.gate)
			m.Edges = append(m.Edges,
				Edge{From: startID, To: c.gate},
				Edge{From: c.gate, To: c.agent, Label: "approved"},
			)
		} else {
			m.Edges = append(m.Edges, Edge{From: startID, To: c.agent})
		}
		agents = append(agents, c.agent)
		m.Edges = append(m.Edges, Edge{From: c.agent, To: endID})
	}

	m.Levels = append(m.Levels, []string{startID})
	if len(gates) > 0 {
		m.Levels = append(m.Levels, gates)
	}
	m.Levels = append(m.Levels, agents, []string{endID})
}

// overlay maps step results onto nodes. The latest result per definition
// index wins, so a rolled back and re-run step shows its newest outcome.
func overlay(m *Model, def *schema.WorkflowDefinition, st *schema.WorkflowState, chains []chain) {
	latest := make(map[int]schema.StepResult, len(st.StepResults))
	for _, r := range st.StepResults {
		latest[r.DefinitionIndex] = r
	}

	live := st.Status == schema.WorkflowStatusRunning
	claimed := false
	for i, c := range chains {
		r, done := latest[i]
		var status string
		switch {
		case done && r.Skipped:
			status = StatusSkipped
		case done && r.Success:
			status = StatusCompleted
		case done:
			status = StatusFailed
		case st.Status.Terminal():
			continue
		case live && (def.Type == schema.WorkflowParallel || !claimed):
			status = StatusRunning
			claimed = true
		default:
			status = StatusPending
		}

		agent := m.node(c.agent)
		agent.Status = &StatusOverlay{Status: status}
		if done {
			agent.Status.DurationMs = r.Duration.Milliseconds()
			if !r.Success {
				agent.Status.Error = r.Error
			}
		}

		if c.cond != "" {
			m.node(c.cond).Status = &StatusOverlay{Status: guardStatus(status, true)}
		}
		if c.gate != "" {
			m.node(c.gate).Status = &StatusOverlay{Status: guardStatus(status, c.cond == "")}
		}
	}
}

// guardStatus derives a condition or gate status from its agent's status.
// passedOnSkip reports whether the guard ran before the agent was skipped.
func guardStatus(agent string, passedOnSkip bool) string {
	switch agent {
	case StatusCompleted, StatusFailed:
		return StatusCompleted
	case StatusSkipped:
		if passedOnSkip {
			return StatusCompleted
		}
		return StatusSkipped
	}
	return agent
}

func agentLabel(step schema.StepDefinition) string {
	if step.Name != "" && step.Name != step.AgentID {
		return fmt.Sprintf("%s (%s)", step.Name, step.AgentID)
	}
	return step.AgentID
}

func title(def *schema.WorkflowDefinition, st *schema.WorkflowState) string {
	if st != nil && st.CrewName != "" {
		return st.CrewName
	}
	return fmt.Sprintf("%s workflow", def.Type)
}
