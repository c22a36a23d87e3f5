package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
)

func (c *cli) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the crewflow tools over MCP stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			janitor, err := a.janitor()
			if err != nil {
				return err
			}
			if err := janitor.Start(cmd.Context()); err != nil {
				return err
			}
			defer janitor.Stop()

			logger.Info("crewflow mcp server starting", "version", version, "agents", len(cfg.Agents))
			err = a.mcpServer().Serve(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
