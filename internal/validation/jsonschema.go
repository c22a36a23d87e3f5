package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/crewflow/pkg/schema"
)

// workflowSchemaJSON is the structural schema for WorkflowDefinition. The
// allOf branch rejects conditions outside conditional workflows.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://crewflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["type", "steps"],
  "properties": {
    "type": { "enum": ["sequential", "parallel", "conditional"] },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "recovery": { "$ref": "#/$defs/recovery" },
    "approval_timeout": { "$ref": "#/$defs/duration" }
  },
  "additionalProperties": false,
  "allOf": [
    {
      "if": {
        "required": ["type"],
        "properties": { "type": { "enum": ["sequential", "parallel"] } }
      },
      "then": {
        "properties": {
          "steps": { "items": { "not": { "required": ["condition"] } } }
        }
      }
    }
  ],
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "step": {
      "type": "object",
      "required": ["agent_id", "step_index"],
      "properties": {
        "agent_id": { "type": "string", "minLength": 1 },
        "step_index": { "type": "integer", "minimum": 0 },
        "name": { "type": "string" },
        "requires_approval": { "type": "boolean" },
        "approval_timeout": { "$ref": "#/$defs/duration" },
        "condition": { "$ref": "#/$defs/condition" },
        "recovery": { "$ref": "#/$defs/recovery" },
        "output_key": { "type": "string", "minLength": 1 },
        "context_query": { "type": "string" },
        "prompt": { "type": "string" }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["expression"],
      "properties": {
        "language": { "enum": ["cel", "expr"] },
        "expression": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "recovery": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": { "enum": ["retry", "skip", "rollback_to_last_success", "abort"] },
        "max_attempts": { "type": "integer", "minimum": 1 },
        "backoff": { "enum": ["none", "constant", "linear", "exponential"] },
        "delay": { "$ref": "#/$defs/duration" },
        "max_delay": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks definitions against the workflow schema. It is
// safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
}

const workflowSchemaURL = "https://crewflow.dev/schemas/workflow.json"

// NewJSONSchemaValidator compiles the workflow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &JSONSchemaValidator{workflowSchema: compiled}, nil
}

// ValidateDefinition validates def against the workflow schema. Violations
// are listed under the "violations" detail.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// toJSONValue round-trips v through JSON so numbers become json.Number, as
// the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toSchemaError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

// collectViolations flattens a ValidationError tree into "location: message"
// leaves.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
