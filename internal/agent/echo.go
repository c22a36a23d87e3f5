package agent

import (
	"context"
	"fmt"
	"strings"
)

// EchoInvoker answers every prompt locally. It streams the reply word by
// word so dry runs exercise the same chunk path as remote agents.
type EchoInvoker struct {
	Registry *Registry
}

// Invoke returns "<agent name>: <first line of prompt>".
func (e EchoInvoker) Invoke(ctx context.Context, agentID, prompt string, onChunk func(string)) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(prompt, "\n")
	out := fmt.Sprintf("%s: %s", e.Registry.Name(agentID), line)
	if onChunk != nil {
		words := strings.SplitAfter(out, " ")
		for _, w := range words {
			onChunk(w)
		}
	}
	return out, nil
}
