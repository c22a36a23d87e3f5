package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/crewflow/internal/diagram"
)

func (c *cli) diagramCmd() *cobra.Command {
	var file, format string
	cmd := &cobra.Command{
		Use:   "diagram",
		Short: "Render a workflow definition as a Mermaid flowchart or ASCII boxes",
		RunE: func(_ *cobra.Command, _ []string) error {
			f, err := diagram.ParseFormat(format)
			if err != nil {
				return err
			}
			def, err := readDefinition(file)
			if err != nil {
				return err
			}
			model, err := diagram.Build(def, nil)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(c.stdout, diagram.Render(model, f))
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "workflow definition (YAML or JSON)")
	cmd.Flags().StringVar(&format, "format", string(diagram.FormatMermaid), "mermaid or ascii")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
