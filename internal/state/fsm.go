package state

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/rendis/crewflow/pkg/schema"
)

// TransitionHook is called before or after a status transition. A before hook
// returning an error vetoes the transition.
type TransitionHook func(ctx context.Context, workflowID string, from, to schema.WorkflowStatus) error

// EventAppender receives lifecycle events. The run log and the streaming hub
// both satisfy it. Append failures are logged and never block a transition.
type EventAppender interface {
	Append(ctx context.Context, event *schema.Event) error
}

// ValidTransitions defines the workflow state machine. Completed and failed
// have no way out.
var ValidTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending:   {schema.WorkflowStatusRunning},
	schema.WorkflowStatusRunning:   {schema.WorkflowStatusRunning, schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed, schema.WorkflowStatusPaused},
	schema.WorkflowStatusPaused:    {schema.WorkflowStatusRunning},
	schema.WorkflowStatusCompleted: {},
	schema.WorkflowStatusFailed:    {},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to schema.WorkflowStatus) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(allowed, to)
}

type hookKey struct {
	from, to schema.WorkflowStatus
}

// FSM validates workflow status transitions, runs hooks and emits events.
// It holds no per-workflow state; the Manager persists the new status.
type FSM struct {
	mu       sync.RWMutex
	appender EventAppender
	logger   *slog.Logger
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewFSM creates an FSM emitting through appender (may be nil).
func NewFSM(appender EventAppender, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSM{
		appender: appender,
		logger:   logger,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before from -> to. Before hooks run while
// the Manager holds the workflow's lock and must not call back into it for
// the same workflow.
func (f *FSM) OnBefore(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after from -> to. The Manager runs after
// hooks once it has released the workflow, so they may read or mutate it.
func (f *FSM) OnAfter(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to and runs before hooks. The returned commit
// func emits the event and runs after hooks; the caller invokes it once the
// new status is stored.
func (f *FSM) Transition(ctx context.Context, workflowID string, from, to schema.WorkflowStatus) (commit func(), err error) {
	if !CanTransition(from, to) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}
	f.mu.RLock()
	before := slices.Clone(f.before[key])
	after := slices.Clone(f.after[key])
	f.mu.RUnlock()

	for _, hook := range before {
		if err := hook(ctx, workflowID, from, to); err != nil {
			return nil, err
		}
	}

	return func() {
		if eventType := transitionEventType(from, to); eventType != "" {
			f.emit(ctx, schema.NewEvent(workflowID, eventType, map[string]any{"from": from, "to": to}))
		}
		for _, hook := range after {
			if err := hook(ctx, workflowID, from, to); err != nil {
				f.logger.WarnContext(ctx, "after-transition hook failed",
					slog.String("from", string(from)), slog.String("to", string(to)), slog.Any("error", err))
			}
		}
	}, nil
}

func (f *FSM) emit(ctx context.Context, ev *schema.Event) {
	if f.appender == nil {
		return
	}
	if err := f.appender.Append(ctx, ev); err != nil {
		f.logger.WarnContext(ctx, "emit workflow event", slog.String("type", ev.Type), slog.Any("error", err))
	}
}

func transitionEventType(from, to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusRunning:
		switch from {
		case schema.WorkflowStatusPending:
			return schema.EventWorkflowStarted
		case schema.WorkflowStatusPaused:
			return schema.EventWorkflowResumed
		}
		return ""
	case schema.WorkflowStatusPaused:
		return schema.EventWorkflowPaused
	case schema.WorkflowStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.WorkflowStatusFailed:
		return schema.EventWorkflowFailed
	default:
		return ""
	}
}
