package validation

import (
	"bytes"
	"errors"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/rendis/crewflow/pkg/schema"
)

// WorkflowValidator runs the validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (step order, agents, expressions, recovery)
// 3. Prompt references (steps.<ref>.output resolves to an earlier step)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	agents     AgentLookup
	exprs      ExpressionChecker
}

// NewWorkflowValidator creates a WorkflowValidator. agents and exprs may be
// nil to skip agent registration and expression compilation checks.
func NewWorkflowValidator(agents AgentLookup, exprs ExpressionChecker) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		agents:     agents,
		exprs:      exprs,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the later stages.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.agents, wv.exprs))
	result.Merge(validateRefs(def))
	return result
}

// Check returns the pipeline result as a VALIDATION_ERROR, or nil.
func (wv *WorkflowValidator) Check(def schema.WorkflowDefinition) error {
	return wv.Validate(&def).ToError()
}

// Decode parses a JSON or YAML workflow definition. Unknown fields are
// rejected so typos surface before validation.
func Decode(data []byte) (*schema.WorkflowDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def schema.WorkflowDefinition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is empty")
		}
		return nil, schema.NewError(schema.ErrCodeValidation, "cannot parse workflow definition").WithCause(err)
	}
	return &def, nil
}

// validateStructural converts the JSON Schema error into result issues.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var sErr *schema.Error
	if !errors.As(err, &sErr) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if violations, ok := sErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, sErr.Message)
	return result
}
