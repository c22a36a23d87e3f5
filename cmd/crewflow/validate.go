package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/crewflow/internal/agent"
	"github.com/rendis/crewflow/internal/expressions"
	"github.com/rendis/crewflow/internal/validation"
	"github.com/rendis/crewflow/pkg/schema"
)

// errInvalid makes validate exit non-zero after the report is printed.
var errInvalid = errors.New("workflow definition is invalid")

func (c *cli) validateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a workflow definition against the schema and the configured agents",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, _, err := c.load()
			if err != nil {
				return err
			}
			def, err := readDefinition(file)
			if err != nil {
				return err
			}

			agents, err := agent.NewRegistry(cfg.Agents...)
			if err != nil {
				return fmt.Errorf("agents: %w", err)
			}
			eval, err := expressions.NewEvaluator()
			if err != nil {
				return err
			}
			v, err := validation.NewWorkflowValidator(agents, eval)
			if err != nil {
				return err
			}

			res := v.Validate(def)
			if err := c.printReport(res); err != nil {
				return err
			}
			if !res.Valid() {
				return errInvalid
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "workflow definition (YAML or JSON)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (c *cli) printReport(res *schema.ValidationResult) error {
	out := struct {
		Valid    bool                     `json:"valid"`
		Errors   []schema.ValidationIssue `json:"errors"`
		Warnings []schema.ValidationIssue `json:"warnings"`
	}{
		Valid:    res.Valid(),
		Errors:   nonNil(res.Errors),
		Warnings: nonNil(res.Warnings),
	}
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func nonNil(issues []schema.ValidationIssue) []schema.ValidationIssue {
	if issues == nil {
		return []schema.ValidationIssue{}
	}
	return issues
}
