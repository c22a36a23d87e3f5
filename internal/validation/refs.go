package validation

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/rendis/crewflow/internal/expressions"
	"github.com/rendis/crewflow/pkg/schema"
)

// validateRefs checks every steps.<ref>.output reference in step prompts.
// A ref may name a step by definition index, name or agent id. In ordered
// workflows it must resolve to an earlier step; parallel workflows have no
// ordering, so any step reference is rejected.
func validateRefs(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	targets := stepTargets(def.Steps)

	for i, step := range def.Steps {
		refs := expressions.PromptStepRefs(step.Prompt)
		if len(refs) == 0 {
			continue
		}
		path := fmt.Sprintf("steps[%d].prompt", i)

		if def.Type == schema.WorkflowParallel {
			result.AddErrorf(path, schema.ErrCodeValidation,
				"parallel steps cannot reference step outputs (found steps.%s.output)", refs[0])
			continue
		}

		for _, ref := range refs {
			idxs, ok := targets[ref]
			if !ok {
				result.AddErrorf(path, schema.ErrCodeValidation,
					"references unknown step %q", ref)
				continue
			}

			earlier := idxs[:sort.SearchInts(idxs, i)]
			if len(earlier) == 0 {
				result.AddErrorf(path, schema.ErrCodeValidation,
					"references step %q, which does not run before steps[%d]", ref, i)
				continue
			}

			if allConditional(def.Steps, earlier) {
				result.AddWarning(path, schema.ErrCodeValidation,
					fmt.Sprintf("step %q is conditional; rendering fails if it was skipped", ref))
			}
		}
	}

	return result
}

// stepTargets maps each way a prompt can address a step to the sorted
// definition indexes it resolves to.
func stepTargets(steps []schema.StepDefinition) map[string][]int {
	targets := make(map[string][]int, len(steps)*3)
	add := func(key string, i int) {
		if key == "" {
			return
		}
		idxs := targets[key]
		if len(idxs) > 0 && idxs[len(idxs)-1] == i {
			return
		}
		targets[key] = append(idxs, i)
	}
	for i, s := range steps {
		add(strconv.Itoa(i), i)
		add(s.Name, i)
		add(s.AgentID, i)
	}
	return targets
}

func allConditional(steps []schema.StepDefinition, idxs []int) bool {
	for _, i := range idxs {
		if steps[i].Condition == nil {
			return false
		}
	}
	return true
}
