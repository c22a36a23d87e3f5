package diagram

import (
	"fmt"
	"strings"
)

var mermaidClasses = []string{
	"classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff",
	"classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff",
	"classDef running fill:#1a5276,stroke:#0e3a52,color:#fff",
	"classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff",
	"classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5",
}

// RenderMermaid renders a Model as a Mermaid flowchart.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNode(node))
	}
	for _, e := range model.Edges {
		label := ""
		if e.Label != "" {
			label = "|" + e.Label + "|"
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", e.From, label, e.To)
	}

	b.WriteString("\n")
	for _, c := range mermaidClasses {
		fmt.Fprintf(&b, "    %s\n", c)
	}
	for _, node := range model.Nodes {
		if node.Status != nil {
			fmt.Fprintf(&b, "    class %s %s\n", node.ID, node.Status.Status)
		}
	}
	return b.String()
}

func mermaidNode(node *Node) string {
	label := mermaidLabel(node.Label)
	switch node.Kind {
	case NodeKindCondition:
		return fmt.Sprintf("%s{\"%s\"}", node.ID, label)
	case NodeKindApproval:
		return fmt.Sprintf("%s{{\"%s\"}}", node.ID, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((\"%s\"))", node.ID, label)
	default:
		return fmt.Sprintf("%s[\"%s\"]", node.ID, label)
	}
}

// mermaidLabel keeps a label inside its quotes. Mermaid has no escape for a
// double quote other than the #quot; entity.
func mermaidLabel(s string) string {
	return strings.NewReplacer("\"", "#quot;", "\n", " ").Replace(s)
}
