package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/crewflow/pkg/schema"
)

// PromptScope holds the data a step prompt template can reference.
type PromptScope struct {
	Input    string
	Context  map[string]any
	Steps    map[string]string // step reference -> latest successful output
	Workflow map[string]any
}

// NewPromptScope builds the scope from a workflow state. Each successful,
// non-skipped result is addressable by definition index, step name and agent
// id; later results win.
func NewPromptScope(state *schema.WorkflowState) *PromptScope {
	scope := &PromptScope{
		Input:   state.Input,
		Context: state.Context,
		Steps:   make(map[string]string),
		Workflow: map[string]any{
			"id":        state.ID,
			"crew_id":   state.CrewID,
			"crew_name": state.CrewName,
		},
	}
	for _, r := range state.StepResults {
		if !r.Success || r.Skipped {
			continue
		}
		scope.Steps[strconv.Itoa(r.DefinitionIndex)] = r.Output
		scope.Steps[r.AgentID] = r.Output
		if r.DefinitionIndex >= 0 && r.DefinitionIndex < len(state.Definition.Steps) {
			if name := state.Definition.Steps[r.DefinitionIndex].Name; name != "" {
				scope.Steps[name] = r.Output
			}
		}
	}
	return scope
}

// HasTemplate reports whether s contains any ${{...}} reference.
func HasTemplate(s string) bool {
	return strings.Contains(s, "${{")
}

// RenderPrompt substitutes every ${{...}} reference in tmpl.
// Supported references: input, context.<path>, steps.<ref>.output,
// workflow.<field>. Non-string values render as compact JSON.
func RenderPrompt(tmpl string, scope *PromptScope) (string, error) {
	var result strings.Builder
	result.Grow(len(tmpl))

	i := 0
	for i < len(tmpl) {
		idx := strings.Index(tmpl[i:], "${{")
		if idx == -1 {
			result.WriteString(tmpl[i:])
			break
		}

		result.WriteString(tmpl[i : i+idx])
		start := i + idx + 3

		end := strings.Index(tmpl[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		ref := strings.TrimSpace(tmpl[start:end])
		if strings.Contains(ref, "${{") {
			return "", schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if ref == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}

		val, err := resolveRef(ref, scope)
		if err != nil {
			return "", err
		}
		result.WriteString(inline(val))

		i = end + 2
	}

	return result.String(), nil
}

// CheckPrompt validates template syntax and namespaces without a scope.
func CheckPrompt(tmpl string) error {
	for _, ref := range templateRefs(tmpl) {
		ns, _, _ := strings.Cut(ref, ".")
		switch ns {
		case "input", "context", "steps", "workflow":
		default:
			return unknownNamespace(ref, ns)
		}
	}
	if strings.Count(tmpl, "${{") != len(templateRefs(tmpl)) {
		return schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
	}
	return nil
}

// PromptStepRefs returns the <ref> of every steps.<ref>.output reference in
// tmpl, in order of appearance.
func PromptStepRefs(tmpl string) []string {
	var out []string
	for _, ref := range templateRefs(tmpl) {
		rest, ok := strings.CutPrefix(ref, "steps.")
		if !ok {
			continue
		}
		if id, ok := strings.CutSuffix(rest, ".output"); ok && id != "" {
			out = append(out, id)
		}
	}
	return out
}

func resolveRef(ref string, scope *PromptScope) (any, error) {
	ns, rest, _ := strings.Cut(ref, ".")

	switch ns {
	case "input":
		if rest != "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"invalid input reference %q: input is a plain string", ref)
		}
		return scope.Input, nil
	case "context":
		if rest == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"invalid context reference %q: expected context.<field>", ref)
		}
		if val, ok := scope.Context[rest]; ok {
			return val, nil
		}
		return traversePath(scope.Context, rest, ref)
	case "steps":
		return resolveStep(ref, rest, scope)
	case "workflow":
		if rest == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"invalid workflow reference %q: expected workflow.<field>", ref)
		}
		return traversePath(scope.Workflow, rest, ref)
	default:
		return nil, unknownNamespace(ref, ns)
	}
}

// resolveStep handles steps.<ref>.output. A reference may itself contain
// dots, so the ".output" suffix is matched from the right.
func resolveStep(ref, rest string, scope *PromptScope) (any, error) {
	id, ok := strings.CutSuffix(rest, ".output")
	if !ok || id == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid step reference %q: expected steps.<ref>.output", ref).
			WithDetails(map[string]any{"expression": ref})
	}
	out, ok := scope.Steps[id]
	if !ok {
		available := make([]string, 0, len(scope.Steps))
		for k := range scope.Steps {
			available = append(available, k)
		}
		sort.Strings(available)
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"step %q has no successful output in ${{%s}}; available: [%s]", id, ref, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": ref, "available_steps": available})
	}
	return out, nil
}

func traversePath(root map[string]any, path, ref string) (any, error) {
	var current any = root
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", ref, i)
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, ref, current)
		}
		val, ok := m[seg]
		if !ok {
			keys := make([]string, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"field %q not found in %q; available: [%s]", seg, ref, strings.Join(keys, ", ")).
				WithDetails(map[string]any{"expression": ref, "available_fields": keys})
		}
		current = val
	}
	return current, nil
}

func unknownNamespace(ref, ns string) error {
	available := []string{"input", "context", "steps", "workflow"}
	return schema.NewErrorf(schema.ErrCodeInterpolation,
		"unknown namespace %q in ${{%s}}; available: %s", ns, ref, strings.Join(available, ", ")).
		WithDetails(map[string]any{"expression": ref, "available_namespaces": available})
}

func templateRefs(tmpl string) []string {
	var refs []string
	for {
		idx := strings.Index(tmpl, "${{")
		if idx == -1 {
			return refs
		}
		rest := tmpl[idx+3:]
		end := strings.Index(rest, "}}")
		if end == -1 {
			return refs
		}
		refs = append(refs, strings.TrimSpace(rest[:end]))
		tmpl = rest[end+2:]
	}
}

func inline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool, int, int64, float64:
		return fmt.Sprint(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
