// Package approval tracks human approval gates bound to workflow steps.
// Every gate resolves exactly once: by decision, cancellation or timeout.
package approval

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/crewflow/internal/metrics"
	"github.com/rendis/crewflow/pkg/schema"
)

// DefaultTimeout applies when neither the request nor the manager sets one.
const DefaultTimeout = 30 * time.Minute

// EventAppender receives approval lifecycle events.
type EventAppender interface {
	Append(ctx context.Context, event *schema.Event) error
}

type gateKey struct {
	workflowID string
	stepIndex  int
}

type pendingGate struct {
	gate  schema.ApprovalGate
	ch    chan schema.ApprovalDecision
	timer *time.Timer
}

// Manager owns the lifecycle of approval gates. It never touches workflow state.
type Manager struct {
	mu             sync.Mutex
	pending        map[string]*pendingGate
	byStep         map[gateKey]string
	defaultTimeout time.Duration
	appender       EventAppender
	metrics        *metrics.Metrics
	logger         *slog.Logger
	now            func() time.Time
}

// NewManager creates a Manager. defaultTimeout <= 0 uses DefaultTimeout.
func NewManager(defaultTimeout time.Duration, appender EventAppender, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		pending:        make(map[string]*pendingGate),
		byStep:         make(map[gateKey]string),
		defaultTimeout: defaultTimeout,
		appender:       appender,
		metrics:        m,
		logger:         logger.With(slog.String("component", "approval")),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// RequestApproval opens a pending gate for (workflowID, req.StepIndex) and
// returns a ticket that resolves on decision, cancellation or timeout. A
// timeout resolves as a denial.
func (m *Manager) RequestApproval(ctx context.Context, workflowID string, req schema.ApprovalRequest) (*Ticket, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	key := gateKey{workflowID, req.StepIndex}

	m.mu.Lock()
	if existing, ok := m.byStep[key]; ok {
		m.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeDuplicateGate,
			"approval gate already pending for workflow %q step %d", workflowID, req.StepIndex).
			WithStep(req.StepIndex).
			WithDetails(map[string]any{"workflow_id": workflowID, "gate_id": existing})
	}

	p := &pendingGate{
		gate: schema.ApprovalGate{
			GateID:        uuid.New().String(),
			WorkflowID:    workflowID,
			StepIndex:     req.StepIndex,
			StepName:      req.StepName,
			RequestedData: schema.CloneContext(req.Data),
			CreatedAt:     m.now(),
			Timeout:       timeout,
			Resolution:    schema.GatePending,
		},
		ch: make(chan schema.ApprovalDecision, 1),
	}
	gateID := p.gate.GateID
	m.pending[gateID] = p
	m.byStep[key] = gateID
	p.timer = time.AfterFunc(timeout, func() {
		m.resolve(context.Background(), gateID, schema.ApprovalDecision{TimedOut: true, Reason: "approval timed out"})
	})
	gate := p.gate
	m.metrics.ApprovalRequested()
	m.mu.Unlock()

	m.emit(ctx, schema.NewEvent(workflowID, schema.EventApprovalRequested, gate).AtStep(gate.StepIndex, ""))
	m.logger.InfoContext(ctx, "approval requested",
		slog.String("gate_id", gateID), slog.String("workflow_id", workflowID),
		slog.Int("step_index", req.StepIndex), slog.Duration("timeout", timeout))

	return &Ticket{gate: gate, ch: p.ch, mgr: m}, nil
}

// ProvideDecision resolves a pending gate. Unknown or already resolved gates
// yield GATE_NOT_FOUND.
func (m *Manager) ProvideDecision(ctx context.Context, gateID string, decision schema.ApprovalDecision) error {
	decision.TimedOut = false
	decision.Cancelled = false
	if !m.resolve(ctx, gateID, decision) {
		return schema.NewErrorf(schema.ErrCodeGateNotFound, "approval gate %q not found or already resolved", gateID).
			WithDetails(map[string]any{"gate_id": gateID})
	}
	return nil
}

// CancelApproval resolves a pending gate as cancelled. It returns false when
// the gate is unknown or already resolved.
func (m *Manager) CancelApproval(ctx context.Context, gateID string) bool {
	return m.resolve(ctx, gateID, schema.ApprovalDecision{Cancelled: true, Reason: "approval cancelled"})
}

// ClearWorkflowApprovals cancels every pending gate of a workflow and returns
// how many were cancelled.
func (m *Manager) ClearWorkflowApprovals(ctx context.Context, workflowID string) int {
	m.mu.Lock()
	var ids []string
	for id, p := range m.pending {
		if p.gate.WorkflowID == workflowID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, id := range ids {
		if m.CancelApproval(ctx, id) {
			n++
		}
	}
	return n
}

// GetPendingApprovals lists pending gates, oldest first. An empty workflowID
// lists every workflow's gates.
func (m *Manager) GetPendingApprovals(workflowID string) []schema.ApprovalGate {
	m.mu.Lock()
	out := make([]schema.ApprovalGate, 0, len(m.pending))
	for _, p := range m.pending {
		if workflowID == "" || p.gate.WorkflowID == workflowID {
			out = append(out, p.gate)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].GateID < out[j].GateID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// resolve removes the gate from the pending set under the lock, which is what
// makes delivery exactly-once, then hands the decision to the ticket.
func (m *Manager) resolve(ctx context.Context, gateID string, decision schema.ApprovalDecision) bool {
	m.mu.Lock()
	p, ok := m.pending[gateID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.pending, gateID)
	delete(m.byStep, gateKey{p.gate.WorkflowID, p.gate.StepIndex})
	p.timer.Stop()
	m.mu.Unlock()

	decision.GateID = gateID
	if decision.TimedOut || decision.Cancelled {
		decision.Approved = false
	}
	gate := p.gate
	now := m.now()
	gate.ResolvedAt = &now
	gate.Reason = decision.Reason
	gate.Resolution = schema.GateDenied
	if decision.Approved {
		gate.Resolution = schema.GateApproved
	}

	p.ch <- decision

	m.metrics.ApprovalResolved(string(gate.Resolution))
	m.emit(ctx, schema.NewEvent(gate.WorkflowID, schema.EventApprovalResolved, map[string]any{
		"gate":      gate,
		"timed_out": decision.TimedOut,
		"cancelled": decision.Cancelled,
	}).AtStep(gate.StepIndex, ""))
	m.logger.InfoContext(ctx, "approval resolved",
		slog.String("gate_id", gateID), slog.String("resolution", string(gate.Resolution)),
		slog.Bool("timed_out", decision.TimedOut), slog.Bool("cancelled", decision.Cancelled))
	return true
}

func (m *Manager) emit(ctx context.Context, ev *schema.Event) {
	if m.appender == nil {
		return
	}
	if err := m.appender.Append(ctx, ev); err != nil {
		m.logger.WarnContext(ctx, "append approval event", slog.String("type", ev.Type), slog.Any("error", err))
	}
}
