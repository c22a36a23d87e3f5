package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/crewflow/internal/agent"
	"github.com/rendis/crewflow/internal/approval"
	"github.com/rendis/crewflow/internal/expressions"
	"github.com/rendis/crewflow/internal/logging"
	"github.com/rendis/crewflow/internal/rollback"
	"github.com/rendis/crewflow/internal/state"
	"github.com/rendis/crewflow/internal/streaming"
	"github.com/rendis/crewflow/pkg/schema"
)

// Executor drives workflow runs from definition to a terminal status.
type Executor interface {
	// Execute creates the workflow state and runs it to completion.
	Execute(ctx context.Context, run Run) (*Summary, error)

	// ExecuteWithCallbacks is Execute with onStep invoked after every
	// recorded step result, in recording order, from a single goroutine.
	ExecuteWithCallbacks(ctx context.Context, run Run, onStep StepCallback) (*Summary, error)

	// Resume continues an existing workflow from its current step index,
	// typically after a rollback revived it.
	Resume(ctx context.Context, workflowID string, onStep StepCallback) (*Summary, error)

	// Cancel fails the workflow, clears its approval gates and stops its run.
	Cancel(ctx context.Context, workflowID, reason string) error

	// Pause and ResumeRun toggle a running workflow. A paused run finishes
	// the invocation in flight and then waits.
	Pause(ctx context.Context, workflowID string) (*schema.WorkflowState, error)
	ResumeRun(ctx context.Context, workflowID string) (*schema.WorkflowState, error)

	// Running reports whether a run is active for workflowID in this process.
	Running(workflowID string) bool

	// Stats reports the shared invocation pool.
	Stats() PoolStats

	// Shutdown cancels every active run and waits for the worker pool.
	Shutdown()
}

// StepCallback observes recorded step results.
type StepCallback func(schema.StepResult)

// Run is the input to Execute.
type Run struct {
	WorkflowID string                    `json:"workflow_id,omitempty"`
	CrewID     string                    `json:"crew_id"`
	CrewName   string                    `json:"crew_name"`
	Definition schema.WorkflowDefinition `json:"definition"`
	Input      string                    `json:"input"`
	// Recovery overrides the definition-level default strategy.
	Recovery *schema.RecoveryStrategy `json:"recovery,omitempty"`
}

// Summary is the outcome of a run.
type Summary struct {
	WorkflowID    string                `json:"workflow_id"`
	Success       bool                  `json:"success"`
	Status        schema.WorkflowStatus `json:"status"`
	TotalDuration time.Duration         `json:"total_duration"`
	Error         string                `json:"error,omitempty"`
	StepResults   []schema.StepResult   `json:"step_results"`
}

// DefinitionChecker validates a definition before any state is created.
type DefinitionChecker interface {
	Check(def schema.WorkflowDefinition) error
}

// EventAppender receives executor events (step started, retries).
type EventAppender interface {
	Append(ctx context.Context, event *schema.Event) error
}

// DefaultPoolSize is the default number of concurrent agent invocations.
const DefaultPoolSize = 8

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	PoolSize int // max concurrent parallel-step invocations
	// DefaultRecovery applies when neither the run, the definition nor the
	// step names a strategy. Zero value means abort.
	DefaultRecovery schema.RecoveryStrategy
}

// Deps are the collaborators an executor coordinates. States, Approvals,
// Rollback and Invoker are required.
type Deps struct {
	States    *state.Manager
	Approvals *approval.Manager
	Rollback  *rollback.Manager
	Invoker   agent.Invoker
	Agents    *agent.Registry
	Evaluator *expressions.Evaluator
	Checker   DefinitionChecker
	Hub       streaming.EventHub
	Events    EventAppender
	Logger    *slog.Logger
}

type executorImpl struct {
	states    *state.Manager
	approvals *approval.Manager
	rollback  *rollback.Manager
	invoker   agent.Invoker
	agents    *agent.Registry
	eval      *expressions.Evaluator
	checker   DefinitionChecker
	hub       streaming.EventHub
	events    EventAppender
	logger    *slog.Logger
	pool      *WorkerPool
	config    ExecutorConfig

	// mu guards running.
	mu      sync.Mutex
	running map[string]*workflowRun
}

// workflowRun tracks one in-flight run.
type workflowRun struct {
	workflowID string
	cancel     context.CancelFunc
	done       chan struct{}
	recovery   schema.RecoveryStrategy

	cbMu   sync.Mutex
	onStep StepCallback
}

func (r *workflowRun) notify(res schema.StepResult) {
	if r.onStep == nil {
		return
	}
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.onStep(res)
}

// NewExecutor creates an Executor.
func NewExecutor(deps Deps, cfg ExecutorConfig) (Executor, error) {
	if deps.States == nil || deps.Approvals == nil || deps.Rollback == nil || deps.Invoker == nil {
		return nil, errors.New("executor: states, approvals, rollback and invoker are required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.DefaultRecovery.Kind == "" {
		cfg.DefaultRecovery = schema.RecoveryStrategy{Kind: schema.RecoveryAbort}
	}
	if deps.Evaluator == nil {
		ev, err := expressions.NewEvaluator()
		if err != nil {
			return nil, err
		}
		deps.Evaluator = ev
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &executorImpl{
		states:    deps.States,
		approvals: deps.Approvals,
		rollback:  deps.Rollback,
		invoker:   deps.Invoker,
		agents:    deps.Agents,
		eval:      deps.Evaluator,
		checker:   deps.Checker,
		hub:       deps.Hub,
		events:    deps.Events,
		logger:    deps.Logger.With(slog.String("component", "executor")),
		pool:      NewWorkerPool(cfg.PoolSize),
		config:    cfg,
		running:   make(map[string]*workflowRun),
	}, nil
}

func (e *executorImpl) Execute(ctx context.Context, run Run) (*Summary, error) {
	return e.ExecuteWithCallbacks(ctx, run, nil)
}

func (e *executorImpl) ExecuteWithCallbacks(ctx context.Context, run Run, onStep StepCallback) (*Summary, error) {
	def := run.Definition.Clone()
	if run.Recovery != nil {
		r := *run.Recovery
		def.Recovery = &r
	}
	if e.checker != nil {
		if err := e.checker.Check(def); err != nil {
			return nil, err
		}
	} else if len(def.Steps) == 0 || !def.Type.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow definition needs a valid type and at least one step")
	}

	workflowID := run.WorkflowID
	if workflowID == "" {
		workflowID = uuid.New().String()
	}
	ctx = logging.WithCrewID(logging.WithWorkflowID(ctx, workflowID), run.CrewID)

	if _, err := e.states.CreateState(ctx, workflowID, run.CrewID, run.CrewName, def, run.Input); err != nil {
		return nil, err
	}
	if _, err := e.states.UpdateStatus(ctx, workflowID, schema.WorkflowStatusRunning); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "workflow started",
		slog.String("type", string(def.Type)), slog.Int("steps", len(def.Steps)))

	return e.drive(ctx, workflowID, onStep)
}

func (e *executorImpl) Resume(ctx context.Context, workflowID string, onStep StepCallback) (*Summary, error) {
	ctx = logging.WithWorkflowID(ctx, workflowID)
	st, err := e.states.GetState(workflowID)
	if err != nil {
		return nil, err
	}
	switch st.Status {
	case schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"workflow %q is %s; roll it back before resuming", workflowID, st.Status)
	case schema.WorkflowStatusPending:
		if _, err := e.states.UpdateStatus(ctx, workflowID, schema.WorkflowStatusRunning); err != nil {
			return nil, err
		}
	}
	return e.drive(logging.WithCrewID(ctx, st.CrewID), workflowID, onStep)
}

// drive owns the run from registration to summary.
func (e *executorImpl) drive(ctx context.Context, workflowID string, onStep StepCallback) (*Summary, error) {
	start := time.Now()
	run, runCtx, err := e.register(ctx, workflowID, onStep)
	if err != nil {
		return nil, err
	}
	defer e.unregister(run)

	st, err := e.states.GetState(workflowID)
	if err != nil {
		return nil, err
	}
	if st.Definition.Type == schema.WorkflowParallel {
		err = e.runParallel(runCtx, run)
	} else {
		err = e.runOrdered(runCtx, run)
	}

	if err != nil && ctx.Err() != nil {
		// The caller went away; nobody else will drive this workflow.
		e.failQuietly(context.WithoutCancel(ctx), workflowID, "cancelled: "+ctx.Err().Error())
	} else if err != nil && !errors.Is(err, context.Canceled) {
		e.failQuietly(context.WithoutCancel(ctx), workflowID, err.Error())
	}

	sum, sumErr := e.summarize(workflowID, start)
	if sumErr != nil {
		return nil, sumErr
	}
	e.logger.InfoContext(ctx, "workflow finished",
		slog.String("status", string(sum.Status)), slog.Duration("duration", sum.TotalDuration),
		slog.Int("results", len(sum.StepResults)))
	return sum, nil
}

func (e *executorImpl) failQuietly(ctx context.Context, workflowID, reason string) {
	st, err := e.states.GetState(workflowID)
	if err != nil || st.Status.Terminal() {
		return
	}
	if _, err := e.states.Fail(ctx, workflowID, reason); err != nil {
		e.logger.WarnContext(ctx, "fail workflow", slog.Any("error", err))
	}
	e.approvals.ClearWorkflowApprovals(ctx, workflowID)
}

// register claims the workflow for this process and starts a watcher that
// cancels the run context once the workflow turns terminal from outside.
func (e *executorImpl) register(ctx context.Context, workflowID string, onStep StepCallback) (*workflowRun, context.Context, error) {
	statusCh, unsubscribe, err := e.states.Subscribe(workflowID)
	if err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	if _, busy := e.running[workflowID]; busy {
		e.mu.Unlock()
		unsubscribe()
		return nil, nil, schema.NewErrorf(schema.ErrCodeAlreadyExists, "workflow %q is already executing", workflowID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := &workflowRun{
		workflowID: workflowID,
		cancel:     cancel,
		done:       make(chan struct{}),
		onStep:     onStep,
		recovery:   e.config.DefaultRecovery,
	}
	e.running[workflowID] = run
	e.mu.Unlock()

	go func() {
		defer unsubscribe()
		for {
			select {
			case status, ok := <-statusCh:
				if !ok || status.Terminal() {
					cancel()
					return
				}
			case <-run.done:
				return
			}
		}
	}()
	return run, runCtx, nil
}

func (e *executorImpl) unregister(run *workflowRun) {
	e.mu.Lock()
	if e.running[run.workflowID] == run {
		delete(e.running, run.workflowID)
	}
	e.mu.Unlock()
	close(run.done)
	run.cancel()
}

func (e *executorImpl) summarize(workflowID string, start time.Time) (*Summary, error) {
	st, err := e.states.GetState(workflowID)
	if err != nil {
		return nil, err
	}
	sum := &Summary{
		WorkflowID:    workflowID,
		Success:       st.Status == schema.WorkflowStatusCompleted,
		Status:        st.Status,
		TotalDuration: time.Since(start),
		StepResults:   st.StepResults,
	}
	if msg, ok := st.Context[state.ContextErrorKey].(string); ok && st.Status == schema.WorkflowStatusFailed {
		sum.Error = msg
	}
	return sum, nil
}

func (e *executorImpl) Cancel(ctx context.Context, workflowID, reason string) error {
	if reason == "" {
		reason = "cancelled"
	} else {
		reason = "cancelled: " + reason
	}
	if _, err := e.states.Fail(ctx, workflowID, reason); err != nil {
		return err
	}
	n := e.approvals.ClearWorkflowApprovals(ctx, workflowID)

	e.mu.Lock()
	run := e.running[workflowID]
	e.mu.Unlock()
	if run != nil {
		run.cancel()
	}
	e.logger.InfoContext(logging.WithWorkflowID(ctx, workflowID), "workflow cancelled",
		slog.String("reason", reason), slog.Int("gates_cleared", n), slog.Bool("was_running", run != nil))
	return nil
}

func (e *executorImpl) Pause(ctx context.Context, workflowID string) (*schema.WorkflowState, error) {
	return e.states.PauseWorkflow(ctx, workflowID)
}

func (e *executorImpl) ResumeRun(ctx context.Context, workflowID string) (*schema.WorkflowState, error) {
	return e.states.ResumeWorkflow(ctx, workflowID)
}

func (e *executorImpl) Running(workflowID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[workflowID]
	return ok
}

func (e *executorImpl) Stats() PoolStats {
	return e.pool.Stats()
}

func (e *executorImpl) Shutdown() {
	e.mu.Lock()
	runs := make([]*workflowRun, 0, len(e.running))
	for _, r := range e.running {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.cancel()
	}
	for _, r := range runs {
		<-r.done
	}
	e.pool.Shutdown()
}

func (e *executorImpl) emit(ctx context.Context, ev *schema.Event) {
	if e.events == nil {
		return
	}
	if err := e.events.Append(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "append executor event", slog.String("type", ev.Type), slog.Any("error", err))
	}
}
