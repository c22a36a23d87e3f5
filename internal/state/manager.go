// Package state owns the canonical WorkflowState for every workflow id.
// All mutations go through Manager, which serializes them per id and records
// a snapshot after every step result and status transition.
package state

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/rendis/crewflow/internal/logging"
	"github.com/rendis/crewflow/internal/metrics"
	"github.com/rendis/crewflow/internal/snapshot"
	"github.com/rendis/crewflow/pkg/schema"
)

// ContextErrorKey receives the failure message when a workflow fails.
const ContextErrorKey = "error"

// Manager is the single writer of workflow state.
type Manager struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	snapshots *snapshot.Store
	fsm       *FSM
	appender  EventAppender
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

type entry struct {
	mu        sync.Mutex
	state     *schema.WorkflowState
	deleted   bool
	watchers  map[int]chan schema.WorkflowStatus
	nextWatch int
	commits   []func() // transition commits waiting for the entry to unlock
}

// NewManager creates a Manager. appender and m may be nil.
func NewManager(snapshots *snapshot.Store, appender EventAppender, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		entries:   make(map[string]*entry),
		snapshots: snapshots,
		fsm:       NewFSM(appender, logger),
		appender:  appender,
		metrics:   m,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// FSM exposes the state machine so callers can register hooks.
func (m *Manager) FSM() *FSM { return m.fsm }

// CreateState registers a new pending workflow. A live state with the same id
// is rejected; a terminal one is replaced along with its snapshot history.
func (m *Manager) CreateState(ctx context.Context, workflowID, crewID, crewName string, def schema.WorkflowDefinition, input string) (*schema.WorkflowState, error) {
	m.mu.Lock()
	if old, ok := m.entries[workflowID]; ok {
		old.mu.Lock()
		live := !old.state.Status.Terminal()
		if !live {
			old.deleted = true
			old.closeWatchers()
		}
		old.mu.Unlock()
		if live {
			m.mu.Unlock()
			return nil, schema.NewErrorf(schema.ErrCodeAlreadyExists, "workflow %q already exists", workflowID)
		}
		m.snapshots.Drop(workflowID)
	}

	now := m.now()
	st := &schema.WorkflowState{
		ID:          workflowID,
		CrewID:      crewID,
		CrewName:    crewName,
		Definition:  def.Clone(),
		Input:       input,
		Status:      schema.WorkflowStatusPending,
		Context:     map[string]any{},
		StepResults: []schema.StepResult{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	e := &entry{state: st, watchers: make(map[int]chan schema.WorkflowStatus)}
	e.mu.Lock()
	m.entries[workflowID] = e
	m.mu.Unlock()
	defer e.mu.Unlock()

	m.snapshots.Record(st, schema.SnapshotCreated)
	m.emit(ctx, schema.NewEvent(workflowID, schema.EventWorkflowCreated, map[string]any{
		"crew_id": crewID, "type": def.Type, "steps": len(def.Steps),
	}))
	m.metrics.WorkflowCreated()
	return st.Clone(), nil
}

// GetState returns a copy of the workflow's state.
func (m *Manager) GetState(workflowID string) (*schema.WorkflowState, error) {
	e, err := m.lock(workflowID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	return e.state.Clone(), nil
}

// ListStates returns copies of every state matching filter.
func (m *Manager) ListStates(filter schema.StateFilter) []*schema.WorkflowState {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*schema.WorkflowState, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted && matches(e.state, filter) {
			out = append(out, e.state.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

func matches(st *schema.WorkflowState, f schema.StateFilter) bool {
	if f.Status != "" && st.Status != f.Status {
		return false
	}
	if f.CrewID != "" && st.CrewID != f.CrewID {
		return false
	}
	return true
}

// UpdateStatus applies a state machine transition and snapshots the result.
// On failure the state is left untouched.
func (m *Manager) UpdateStatus(ctx context.Context, workflowID string, to schema.WorkflowStatus) (*schema.WorkflowState, error) {
	e, err := m.lock(workflowID)
	if err != nil {
		return nil, err
	}
	defer m.unlock(e)
	if err := m.transition(ctx, e, to); err != nil {
		return nil, err
	}
	return e.state.Clone(), nil
}

// transition must be called with e.mu held, and the entry released through
// unlock so the FSM commit (event and after hooks) runs outside the lock.
func (m *Manager) transition(ctx context.Context, e *entry, to schema.WorkflowStatus) error {
	from := e.state.Status
	commit, err := m.fsm.Transition(ctx, e.state.ID, from, to)
	if err != nil {
		return err
	}
	e.state.Status = to
	e.state.UpdatedAt = m.now()
	m.snapshots.Record(e.state, schema.SnapshotStatusChanged)
	e.commits = append(e.commits, commit)
	if from != to {
		e.notify(to)
		if to.Terminal() {
			m.metrics.WorkflowFinished(string(to))
		}
		logging.LogWith(logging.WithWorkflowID(ctx, e.state.ID), m.logger).DebugContext(ctx, "workflow status changed",
			slog.String("from", string(from)), slog.String("to", string(to)))
	}
	return nil
}

// PauseWorkflow moves a running workflow to paused.
func (m *Manager) PauseWorkflow(ctx context.Context, workflowID string) (*schema.WorkflowState, error) {
	return m.guardedTransition(ctx, workflowID, schema.WorkflowStatusRunning, schema.WorkflowStatusPaused)
}

// ResumeWorkflow moves a paused workflow back to running.
func (m *Manager) ResumeWorkflow(ctx context.Context, workflowID string) (*schema.WorkflowState, error) {
	return m.guardedTransition(ctx, workflowID, schema.WorkflowStatusPaused, schema.WorkflowStatusRunning)
}

func (m *Manager) guardedTransition(ctx context.Context, workflowID string, from, to schema.WorkflowStatus) (*schema.WorkflowState, error) {
	e, err := m.lock(workflowID)
	if err != nil {
		return nil, err
	}
	defer m.unlock(e)
	if e.state.Status != from {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"workflow %q is %s, expected %s", workflowID, e.state.Status, from).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(e.state.Status), "to": string(to)})
	}
	if err := m.transition(ctx, e, to); err != nil {
		return nil, err
	}
	return e.state.Clone(), nil
}

// Fail drives a non-terminal workflow to failed, passing through running when
// it is pending or paused, and records reason under the "error" context key.
// Failing an already failed workflow is a no-op.
func (m *Manager) Fail(ctx context.Context, workflowID, reason string) (*schema.WorkflowState, error) {
	e, err := m.lock(workflowID)
	if err != nil {
		return nil, err
	}
	defer m.unlock(e)

	switch e.state.Status {
	case schema.WorkflowStatusFailed:
		return e.state.Clone(), nil
	case schema.WorkflowStatusPending, schema.WorkflowStatusPaused:
		if err := m.transition(ctx, e, schema.WorkflowStatusRunning); err != nil {
			return nil, err
		}
	}
	if reason != "" {
		e.state.Context[ContextErrorKey] = reason
	}
	if err := m.transition(ctx, e, schema.WorkflowStatusFailed); err != nil {
		return nil, err
	}
	return e.state.Clone(), nil
}

// UpdateContext shallow-merges partial into the workflow context. It is
// allowed in every status, terminal ones included.
func (m *Manager) UpdateContext(ctx context.Context, workflowID string, partial map[string]any) (*schema.WorkflowState, error) {
	e, err := m.lock(workflowID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	maps.Copy(e.state.Context, schema.CloneContext(partial))
	e.state.UpdatedAt = m.now()
	return e.state.Clone(), nil
}

// AddStepResult appends result, which must occupy the next contiguous slot,
// advances CurrentStepIndex and snapshots.
func (m *Manager) AddStepResult(ctx context.Context, workflowID string, result schema.StepResult) (*schema.WorkflowState, error) {
	e, err := m.lock(workflowID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	expected := len(e.state.StepResults)
	if result.StepIndex != expected {
		return nil, schema.NewErrorf(schema.ErrCodeOutOfOrderStep,
			"step result %d out of order: expected %d", result.StepIndex, expected).
			WithStep(result.StepIndex).
			WithDetails(map[string]any{"workflow_id": workflowID, "expected": expected, "got": result.StepIndex})
	}
	m.appendResult(ctx, e, result)
	return e.state.Clone(), nil
}

// SkipStep records that the step behind failed was skipped by recovery. The
// marker goes into the next slot after every recorded attempt; context and
// status are left alone. Finished workflows are rejected: skipping cannot
// reopen them.
func (m *Manager) SkipStep(ctx context.Context, workflowID string, failed schema.StepResult) (*schema.WorkflowState, error) {
	e, err := m.lock(workflowID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	if e.state.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"workflow %q is %s; roll it back before skipping a step", workflowID, e.state.Status).
			WithStep(failed.DefinitionIndex).
			WithDetails(map[string]any{"workflow_id": workflowID, "status": string(e.state.Status)})
	}
	if failed.DefinitionIndex < 0 || failed.DefinitionIndex >= len(e.state.Definition.Steps) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"definition index %d out of range [0, %d)", failed.DefinitionIndex, len(e.state.Definition.Steps))
	}

	now := m.now()
	m.appendResult(ctx, e, schema.StepResult{
		StepIndex:       len(e.state.StepResults),
		DefinitionIndex: failed.DefinitionIndex,
		AgentID:         failed.AgentID,
		AgentName:       failed.AgentName,
		Input:           failed.Input,
		Skipped:         true,
		Error:           schema.SkippedError,
		StartTime:       now,
		EndTime:         now,
	})
	return e.state.Clone(), nil
}

// appendResult must be called with e.mu held.
func (m *Manager) appendResult(ctx context.Context, e *entry, result schema.StepResult) {
	if result.Duration == 0 && !result.StartTime.IsZero() && !result.EndTime.IsZero() {
		result.Duration = result.EndTime.Sub(result.StartTime)
	}

	e.state.StepResults = append(e.state.StepResults, result)
	e.state.CurrentStepIndex = result.StepIndex + 1
	e.state.UpdatedAt = m.now()
	m.snapshots.Record(e.state, schema.SnapshotStepRecorded)

	m.emit(ctx, schema.NewEvent(e.state.ID, stepEventType(result), result).AtStep(result.StepIndex, result.AgentID))
	m.metrics.StepRecorded(result.AgentID, stepOutcome(result), result.Duration)
}

func stepEventType(r schema.StepResult) string {
	switch {
	case r.Skipped:
		return schema.EventStepSkipped
	case r.Success:
		return schema.EventStepCompleted
	default:
		return schema.EventStepFailed
	}
}

func stepOutcome(r schema.StepResult) string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Success:
		return "success"
	default:
		return "failure"
	}
}

// GetSnapshots returns the workflow's snapshot history, newest last.
func (m *Manager) GetSnapshots(workflowID string) ([]schema.Snapshot, error) {
	e, err := m.lock(workflowID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	return m.snapshots.List(workflowID), nil
}

// SnapshotAt returns the newest snapshot taken when CurrentStepIndex was stepIndex.
func (m *Manager) SnapshotAt(workflowID string, stepIndex int) (schema.Snapshot, bool) {
	return m.snapshots.At(workflowID, stepIndex)
}

// Restore rewrites a workflow from snap, keeping only results in slots below
// target. It bypasses the state machine: rollback is the one path allowed to
// revive a terminal workflow. A paused workflow stays paused; anything else
// becomes running. The restored state is recorded as a new snapshot.
func (m *Manager) Restore(ctx context.Context, workflowID string, snap schema.Snapshot, target int) (*schema.WorkflowState, error) {
	e, err := m.lock(workflowID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	from := e.state.Status
	base := snap.State.Clone()
	kept := make([]schema.StepResult, 0, target)
	for _, r := range base.StepResults {
		if r.StepIndex < target {
			kept = append(kept, r)
		}
	}

	e.state.Context = base.Context
	e.state.StepResults = kept
	e.state.CurrentStepIndex = target
	if from != schema.WorkflowStatusPaused {
		e.state.Status = schema.WorkflowStatusRunning
	}
	e.state.UpdatedAt = m.now()
	m.snapshots.Record(e.state, schema.SnapshotRolledBack)

	m.emit(ctx, schema.NewEvent(workflowID, schema.EventWorkflowRolledBack, map[string]any{
		"target_step_index": target, "from_status": from, "snapshot_sequence": snap.Sequence,
	}))
	if e.state.Status != from {
		e.notify(e.state.Status)
	}
	return e.state.Clone(), nil
}

// DeleteState removes a workflow and its snapshot history.
func (m *Manager) DeleteState(ctx context.Context, workflowID string) bool {
	m.mu.Lock()
	e, ok := m.entries[workflowID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.entries, workflowID)
	m.mu.Unlock()

	e.mu.Lock()
	e.deleted = true
	e.closeWatchers()
	e.mu.Unlock()

	m.snapshots.Drop(workflowID)
	m.emit(ctx, schema.NewEvent(workflowID, schema.EventWorkflowDeleted, nil))
	return true
}

// Subscribe returns a channel receiving the latest status after each change.
// Only the most recent status is buffered. The channel is closed when the
// workflow is deleted or replaced, or when cancel is called.
func (m *Manager) Subscribe(workflowID string) (<-chan schema.WorkflowStatus, func(), error) {
	e, err := m.lock(workflowID)
	if err != nil {
		return nil, nil, err
	}
	defer e.mu.Unlock()

	ch := make(chan schema.WorkflowStatus, 1)
	id := e.nextWatch
	e.nextWatch++
	e.watchers[id] = ch

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if c, ok := e.watchers[id]; ok {
			delete(e.watchers, id)
			close(c)
		}
	}
	return ch, cancel, nil
}

// lock returns the live entry for workflowID with its mutex held.
func (m *Manager) lock(workflowID string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[workflowID]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound(workflowID)
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return nil, notFound(workflowID)
	}
	return e, nil
}

// unlock releases e and then runs the transition commits queued while it was
// held, in order.
func (m *Manager) unlock(e *entry) {
	commits := e.commits
	e.commits = nil
	e.mu.Unlock()
	for _, commit := range commits {
		commit()
	}
}

func notFound(workflowID string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", workflowID).
		WithDetails(map[string]any{"workflow_id": workflowID})
}

func (m *Manager) emit(ctx context.Context, ev *schema.Event) {
	if m.appender == nil {
		return
	}
	if err := m.appender.Append(ctx, ev); err != nil {
		m.logger.WarnContext(ctx, "append run log event", slog.String("type", ev.Type), slog.Any("error", err))
	}
}

// notify must be called with e.mu held.
func (e *entry) notify(status schema.WorkflowStatus) {
	for _, ch := range e.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- status
	}
}

// closeWatchers must be called with e.mu held.
func (e *entry) closeWatchers() {
	for id, ch := range e.watchers {
		close(ch)
		delete(e.watchers, id)
	}
}
