// Package rollback restores workflows from snapshots, applies per-failure
// recovery strategies and reports compensation actions. Apart from retry
// counters it holds no state; every mutation goes through the state manager.
package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rendis/crewflow/internal/metrics"
	"github.com/rendis/crewflow/pkg/schema"
)

// States is the slice of the state manager the rollback manager needs.
type States interface {
	GetState(workflowID string) (*schema.WorkflowState, error)
	SnapshotAt(workflowID string, stepIndex int) (schema.Snapshot, bool)
	Restore(ctx context.Context, workflowID string, snap schema.Snapshot, target int) (*schema.WorkflowState, error)
	SkipStep(ctx context.Context, workflowID string, failed schema.StepResult) (*schema.WorkflowState, error)
	Fail(ctx context.Context, workflowID, reason string) (*schema.WorkflowState, error)
}

// EventAppender receives recovery events.
type EventAppender interface {
	Append(ctx context.Context, event *schema.Event) error
}

type counterKey struct {
	workflowID string
	stepIndex  int
}

// Manager implements rollback and recovery on top of States.
type Manager struct {
	states   States
	appender EventAppender
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	counters map[counterKey]int
}

// NewManager creates a Manager. appender and m may be nil.
func NewManager(states States, appender EventAppender, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		states:   states,
		appender: appender,
		metrics:  m,
		logger:   logger.With(slog.String("component", "rollback")),
		counters: make(map[counterKey]int),
	}
}

// RollbackToStep restores the workflow to the snapshot taken when it was at
// target, dropping every result in slot target or later.
func (m *Manager) RollbackToStep(ctx context.Context, workflowID string, target int) (*schema.WorkflowState, error) {
	if _, err := m.states.GetState(workflowID); err != nil {
		return nil, err
	}
	snap, ok := m.states.SnapshotAt(workflowID, target)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNoSnapshot, "no snapshot for workflow %q at step %d", workflowID, target).
			WithStep(target).
			WithDetails(map[string]any{"workflow_id": workflowID})
	}
	st, err := m.states.Restore(ctx, workflowID, snap, target)
	if err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "workflow rolled back",
		slog.String("workflow_id", workflowID), slog.Int("target", target), slog.Int64("snapshot", snap.Sequence))
	return st, nil
}

// RollbackToLastSuccess discards the tail after the most recent successful result.
func (m *Manager) RollbackToLastSuccess(ctx context.Context, workflowID string) (*schema.WorkflowState, error) {
	st, err := m.states.GetState(workflowID)
	if err != nil {
		return nil, err
	}
	last := st.LastSuccess()
	if last < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNoSuccessfulStep, "workflow %q has no successful step", workflowID).
			WithDetails(map[string]any{"workflow_id": workflowID})
	}
	return m.RollbackToStep(ctx, workflowID, st.StepResults[last].StepIndex+1)
}

// RecoverFromError applies strategy to a failed step. Counters are keyed by
// the failed step's definition index so retries accumulate even though each
// attempt lands in a new slot. Whenever the verdict is not
// recovered, the workflow has been moved to failed.
func (m *Manager) RecoverFromError(ctx context.Context, workflowID string, failed schema.StepResult, strategy schema.RecoveryStrategy) (schema.RecoveryResult, error) {
	if !strategy.Kind.Valid() {
		return schema.RecoveryResult{}, schema.NewErrorf(schema.ErrCodeValidation, "unknown recovery strategy %q", strategy.Kind)
	}
	if _, err := m.states.GetState(workflowID); err != nil {
		return schema.RecoveryResult{}, err
	}

	var (
		res schema.RecoveryResult
		err error
	)
	switch strategy.Kind {
	case schema.RecoveryRetry:
		res, err = m.retry(ctx, workflowID, failed, strategy)
	case schema.RecoverySkip:
		res, err = m.skip(ctx, workflowID, failed)
	case schema.RecoveryRollbackToLastSuccess:
		res, err = m.rollbackToLastSuccess(ctx, workflowID, failed, strategy)
	case schema.RecoveryAbort:
		res, err = m.abort(ctx, workflowID, failed, fmt.Sprintf("step %d failed: %s", failed.StepIndex, failed.Error))
	}
	if err != nil {
		return schema.RecoveryResult{}, err
	}

	m.metrics.Recovery(string(strategy.Kind), res.Recovered)
	m.emit(ctx, schema.NewEvent(workflowID, schema.EventRecoveryApplied, map[string]any{
		"strategy":  strategy,
		"recovered": res.Recovered,
		"action":    res.Action,
		"detail":    res.Detail,
		"attempt":   res.Attempt,
	}).AtStep(failed.StepIndex, failed.AgentID))
	m.logger.InfoContext(ctx, "recovery applied",
		slog.String("workflow_id", workflowID), slog.Int("step_index", failed.StepIndex),
		slog.String("strategy", string(strategy.Kind)), slog.Bool("recovered", res.Recovered),
		slog.String("detail", res.Detail))
	return res, nil
}

func (m *Manager) retry(ctx context.Context, workflowID string, failed schema.StepResult, strategy schema.RecoveryStrategy) (schema.RecoveryResult, error) {
	attempt := m.bump(workflowID, failed.DefinitionIndex)
	if attempt < strategy.Attempts() {
		return schema.RecoveryResult{
			Recovered: true,
			Action:    schema.ActionRetry,
			Detail:    fmt.Sprintf("retrying step %d (attempt %d of %d)", failed.DefinitionIndex, attempt+1, strategy.Attempts()),
			Attempt:   attempt,
		}, nil
	}
	return m.exhausted(ctx, workflowID, failed, attempt)
}

// skip settles the failed step with a skip marker after every recorded
// attempt. Context and status are untouched.
func (m *Manager) skip(ctx context.Context, workflowID string, failed schema.StepResult) (schema.RecoveryResult, error) {
	st, err := m.states.SkipStep(ctx, workflowID, failed)
	if err != nil {
		return schema.RecoveryResult{}, err
	}
	return schema.RecoveryResult{
		Recovered: true,
		Action:    schema.ActionSkip,
		Detail:    fmt.Sprintf("step %d skipped", failed.DefinitionIndex),
		State:     st,
	}, nil
}

func (m *Manager) rollbackToLastSuccess(ctx context.Context, workflowID string, failed schema.StepResult, strategy schema.RecoveryStrategy) (schema.RecoveryResult, error) {
	attempt := m.bump(workflowID, failed.DefinitionIndex)
	if attempt >= strategy.Attempts() {
		return m.exhausted(ctx, workflowID, failed, attempt)
	}
	st, err := m.RollbackToLastSuccess(ctx, workflowID)
	if err != nil {
		if schema.CodeOf(err) == schema.ErrCodeNoSuccessfulStep {
			return m.abort(ctx, workflowID, failed, err.Error())
		}
		return schema.RecoveryResult{}, err
	}
	return schema.RecoveryResult{
		Recovered: true,
		Action:    schema.ActionRollback,
		Detail:    fmt.Sprintf("rolled back to step %d", st.CurrentStepIndex),
		Attempt:   attempt,
		State:     st,
	}, nil
}

func (m *Manager) exhausted(ctx context.Context, workflowID string, failed schema.StepResult, attempt int) (schema.RecoveryResult, error) {
	reason := fmt.Sprintf("%s: step %d failed after %d attempts: %s",
		schema.ErrCodeExhausted, failed.DefinitionIndex, attempt, failed.Error)
	res, err := m.abort(ctx, workflowID, failed, reason)
	res.Attempt = attempt
	return res, err
}

func (m *Manager) abort(ctx context.Context, workflowID string, _ schema.StepResult, reason string) (schema.RecoveryResult, error) {
	st, err := m.states.Fail(ctx, workflowID, reason)
	if err != nil {
		return schema.RecoveryResult{}, err
	}
	return schema.RecoveryResult{
		Recovered: false,
		Action:    schema.ActionAbort,
		Detail:    reason,
		State:     st,
	}, nil
}

// GetCompensationActions lists, in step order, the successful steps between
// from and to (inclusive) whose effects a caller may want to undo. It reads
// state only; nothing is executed.
func (m *Manager) GetCompensationActions(workflowID string, from, to int) ([]schema.CompensationAction, error) {
	st, err := m.states.GetState(workflowID)
	if err != nil {
		return nil, err
	}
	if from > to {
		from, to = to, from
	}
	actions := []schema.CompensationAction{}
	for _, r := range st.StepResults {
		if r.StepIndex < from || r.StepIndex > to || !r.Success || r.Skipped {
			continue
		}
		name := r.AgentName
		if name == "" {
			name = r.AgentID
		}
		actions = append(actions, schema.CompensationAction{
			StepIndex:      r.StepIndex,
			AgentID:        r.AgentID,
			AgentName:      r.AgentName,
			Action:         fmt.Sprintf("revert output produced by %s at step %d", name, r.StepIndex),
			OriginalOutput: r.Output,
		})
	}
	return actions, nil
}

// ClearRetryCounters resets every counter of a workflow.
func (m *Manager) ClearRetryCounters(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.counters {
		if k.workflowID == workflowID {
			delete(m.counters, k)
		}
	}
}

// RetryCount returns the failure count recorded for a definition step.
func (m *Manager) RetryCount(workflowID string, stepIndex int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[counterKey{workflowID, stepIndex}]
}

func (m *Manager) bump(workflowID string, stepIndex int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := counterKey{workflowID, stepIndex}
	m.counters[k]++
	return m.counters[k]
}

func (m *Manager) emit(ctx context.Context, ev *schema.Event) {
	if m.appender == nil {
		return
	}
	if err := m.appender.Append(ctx, ev); err != nil {
		m.logger.WarnContext(ctx, "append recovery event", slog.String("type", ev.Type), slog.Any("error", err))
	}
}
