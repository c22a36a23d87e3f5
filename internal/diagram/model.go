// Package diagram renders workflow definitions, optionally overlaid with a
// run's progress, as Mermaid flowcharts or plain-text box diagrams.
package diagram

import (
	"fmt"
	"strings"
)

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindAgent     NodeKind = "agent"
	NodeKindCondition NodeKind = "condition"
	NodeKindApproval  NodeKind = "approval"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// Status values carried by a StatusOverlay.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRunning   = "running"
	StatusPending   = "pending"
	StatusSkipped   = "skipped"
)

// Model is the intermediate representation shared by every renderer.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one box in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries run progress for a node.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	Error      string
}

// Edge is a transition between two nodes. Condition edges carry a label.
type Edge struct {
	From  string
	To    string
	Label string
}

// Format selects a renderer.
type Format string

const (
	FormatMermaid Format = "mermaid"
	FormatASCII   Format = "ascii"
)

// ParseFormat accepts "mermaid" (the default for "") or "ascii".
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatMermaid:
		return FormatMermaid, nil
	case FormatASCII:
		return FormatASCII, nil
	}
	return "", fmt.Errorf("unknown diagram format %q (want mermaid or ascii)", s)
}

// Render renders model in the given format.
func Render(model *Model, f Format) string {
	if f == FormatASCII {
		return RenderASCII(model)
	}
	return RenderMermaid(model)
}

func (m *Model) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
