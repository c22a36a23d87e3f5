package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/rendis/crewflow/internal/agent"
	"github.com/rendis/crewflow/internal/api"
	"github.com/rendis/crewflow/internal/approval"
	"github.com/rendis/crewflow/internal/engine"
	"github.com/rendis/crewflow/internal/expressions"
	"github.com/rendis/crewflow/internal/metrics"
	"github.com/rendis/crewflow/internal/plugins"
	"github.com/rendis/crewflow/internal/rollback"
	"github.com/rendis/crewflow/internal/scheduler"
	"github.com/rendis/crewflow/internal/snapshot"
	"github.com/rendis/crewflow/internal/state"
	"github.com/rendis/crewflow/internal/store"
	"github.com/rendis/crewflow/internal/streaming"
	"github.com/rendis/crewflow/internal/validation"
	mcpserver "github.com/rendis/crewflow/pkg/mcp"
)

// app is one fully wired engine.
type app struct {
	cfg       Config
	logger    *slog.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	agents    *agent.Registry
	validator *validation.WorkflowValidator
	runlog    store.RunLog
	hub       *streaming.MemoryHub
	states    *state.Manager
	approvals *approval.Manager
	rollback  *rollback.Manager
	plugins   *plugins.Manager
	executor  engine.Executor
}

type appOptions struct {
	// dryRun swaps the HTTP invoker for the echo invoker.
	dryRun bool
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger, opts appOptions) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	agents, err := agent.NewRegistry(cfg.Agents...)
	if err != nil {
		return nil, fmt.Errorf("agents: %w", err)
	}
	eval, err := expressions.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("expressions: %w", err)
	}
	validator, err := validation.NewWorkflowValidator(agents, eval)
	if err != nil {
		return nil, fmt.Errorf("validator: %w", err)
	}

	runlog, err := openRunLog(ctx, cfg.RunLog)
	if err != nil {
		return nil, err
	}
	hub := streaming.NewMemoryHub()
	events := store.Tee{runlog, hub}

	states := state.NewManager(snapshot.NewStore(cfg.SnapshotRetention), events, m, logger)
	approvals := approval.NewManager(cfg.ApprovalTimeout, events, m, logger)
	rb := rollback.NewManager(states, events, m, logger)

	// MCP agents are served by plugin sessions; the rest go over HTTP.
	mcpAgents := plugins.NewManager(agents, agent.NewHTTPInvoker(agents, agent.HTTPConfig{}), logger)
	var invoker agent.Invoker = agent.EchoInvoker{Registry: agents}
	if !opts.dryRun {
		invoker = agent.NewGuarded(mcpAgents, agents, agent.NewBreakers(cfg.Breaker), m, logger)
	}

	execCfg := engine.ExecutorConfig{PoolSize: cfg.MaxConcurrency}
	if cfg.DefaultRecovery != nil {
		execCfg.DefaultRecovery = *cfg.DefaultRecovery
	}
	exec, err := engine.NewExecutor(engine.Deps{
		States:    states,
		Approvals: approvals,
		Rollback:  rb,
		Invoker:   invoker,
		Agents:    agents,
		Evaluator: eval,
		Checker:   validator,
		Hub:       hub,
		Events:    events,
		Logger:    logger,
	}, execCfg)
	if err != nil {
		_ = mcpAgents.Close()
		_ = runlog.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		registry:  reg,
		metrics:   m,
		agents:    agents,
		validator: validator,
		runlog:    runlog,
		hub:       hub,
		states:    states,
		approvals: approvals,
		rollback:  rb,
		plugins:   mcpAgents,
		executor:  exec,
	}, nil
}

func openRunLog(ctx context.Context, cfg RunLogConfig) (store.RunLog, error) {
	switch cfg.Backend {
	case backendLibSQL:
		l, err := store.NewLibSQLLog(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("run log: %w", err)
		}
		return l, nil
	case backendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("run log: redis %s: %w", cfg.RedisAddr, err)
		}
		return store.NewRedisLog(client, cfg.RedisPrefix), nil
	default:
		return store.NewMemoryLog(), nil
	}
}

func (a *app) apiHandler() *api.Server {
	return api.NewServer(api.Deps{
		States:    a.states,
		Approvals: a.approvals,
		Rollback:  a.rollback,
		Executor:  a.executor,
		Events:    a.runlog,
		Hub:       a.hub,
		Checker:   a.validator,
		Gatherer:  a.registry,
		Logger:    a.logger,
	})
}

func (a *app) mcpServer() *mcpserver.CrewflowServer {
	return mcpserver.NewCrewflowServer(mcpserver.CrewflowServerDeps{
		Executor:  a.executor,
		States:    a.states,
		Approvals: a.approvals,
		Rollback:  a.rollback,
		Events:    a.runlog,
		Hub:       a.hub,
		Logger:    a.logger,
	})
}

func (a *app) janitor() (*scheduler.Janitor, error) {
	return scheduler.NewJanitor(scheduler.Deps{
		Events:    a.runlog,
		States:    a.states,
		Approvals: a.approvals,
		Retries:   a.rollback,
		Runs:      a.executor,
		Metrics:   a.metrics,
		Logger:    a.logger,
	}, scheduler.Config{
		Schedule:       a.cfg.Janitor.Schedule,
		EventRetention: a.cfg.Janitor.EventRetention,
		StateRetention: a.cfg.Janitor.StateRetention,
	})
}

// close drains running workflows, then ends agent sessions and releases the
// run log.
func (a *app) close() {
	a.executor.Shutdown()
	if err := a.plugins.Close(); err != nil {
		a.logger.Warn("close mcp agents", slog.String("error", err.Error()))
	}
	if err := a.runlog.Close(); err != nil {
		a.logger.Warn("close run log", slog.String("error", err.Error()))
	}
}
