// Command crewflow runs crews of AI agents: an HTTP API server, an MCP stdio
// server and one-shot run and validate commands.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/crewflow/internal/logging"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/crewflow/
var version = "dev"

// cli carries the state shared by every subcommand.
type cli struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
	getenv     func(string) string
	level      *slog.LevelVar
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &cli{stdout: os.Stdout, stderr: os.Stderr, getenv: os.Getenv, level: new(slog.LevelVar)}
	if err := c.rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "crewflow",
		Short:         "Orchestrate crews of AI agents through sequential, parallel and conditional workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (default: ./"+defaultConfigFile+" when present)")

	root.AddCommand(
		c.serveCmd(),
		c.mcpCmd(),
		c.runCmd(),
		c.validateCmd(),
		c.diagramCmd(),
		c.sealCmd(),
	)
	return root
}

// load reads the configuration and builds the process logger. Logs go to
// stderr so stdout stays free for results and the MCP transport.
func (c *cli) load() (Config, *slog.Logger, error) {
	cfg, err := loadConfig(c.configPath, c.getenv)
	if err != nil {
		return Config{}, nil, err
	}
	c.level.Set(logging.ParseLevel(cfg.LogLevel))
	return cfg, logging.NewLeveled(c.stderr, c.level), nil
}
