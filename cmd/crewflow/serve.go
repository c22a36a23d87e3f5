package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/crewflow/internal/logging"
)

const shutdownGrace = 10 * time.Second

func (c *cli) serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, SSE streams and metrics, and run the retention janitor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}
			ln, err := net.Listen("tcp", cfg.ListenAddr)
			if err != nil {
				return err
			}
			return c.serve(cmd.Context(), cfg, logger, ln)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "TCP listen address (overrides listen_addr)")
	return cmd
}

// serve runs until ctx is cancelled. SIGHUP reloads the configuration; only
// the log level applies live.
func (c *cli) serve(ctx context.Context, cfg Config, logger *slog.Logger, ln net.Listener) error {
	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	janitor, err := a.janitor()
	if err != nil {
		return err
	}
	if err := janitor.Start(ctx); err != nil {
		return err
	}
	defer janitor.Stop()

	srv := &http.Server{
		Handler:           a.apiHandler().Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	logger.Info("crewflow listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("version", version),
		slog.String("run_log", cfg.RunLog.Backend),
		slog.Int("agents", len(cfg.Agents)))

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func(current Config) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				current = c.reload(current, logger)
			}
		}
	}(cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// reload re-reads the configuration and applies what can change live.
func (c *cli) reload(old Config, logger *slog.Logger) Config {
	next, err := loadConfig(c.configPath, c.getenv)
	if err != nil {
		logger.Error("config reload failed", slog.String("error", err.Error()))
		return old
	}
	d := diffConfigs(old, next)
	if d.LogLevelChanged {
		c.level.Set(logging.ParseLevel(next.LogLevel))
		logger.Info("log level changed", slog.String("level", next.LogLevel))
	}
	if len(d.RestartNeeded) > 0 {
		logger.Warn("config changes need a restart", slog.Any("fields", d.RestartNeeded))
	}
	return next
}
