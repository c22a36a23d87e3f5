package approval

import (
	"context"
	"sync"

	"github.com/rendis/crewflow/pkg/schema"
)

// Ticket is the caller's handle on one pending gate. Use either Wait or Done,
// not both: the decision is delivered on a single channel, once.
type Ticket struct {
	gate schema.ApprovalGate
	ch   <-chan schema.ApprovalDecision
	mgr  *Manager

	mu       sync.Mutex
	decision *schema.ApprovalDecision
}

// Gate returns the gate as it was when requested.
func (t *Ticket) Gate() schema.ApprovalGate { return t.gate }

// Done returns the channel the decision is delivered on.
func (t *Ticket) Done() <-chan schema.ApprovalDecision { return t.ch }

// Cancel resolves the gate as cancelled. It returns false when the gate was
// already resolved.
func (t *Ticket) Cancel() bool {
	return t.mgr.CancelApproval(context.Background(), t.gate.GateID)
}

// Wait blocks until the gate resolves or ctx ends. A denial returns the
// decision and a nil error; a timeout returns TIMEOUT and a cancellation
// CANCELLED, both with Approved=false. Repeated calls return the same result.
func (t *Ticket) Wait(ctx context.Context) (schema.ApprovalDecision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.decision == nil {
		select {
		case d := <-t.ch:
			t.decision = &d
		case <-ctx.Done():
			return schema.ApprovalDecision{GateID: t.gate.GateID}, ctx.Err()
		}
	}
	d := *t.decision
	switch {
	case d.TimedOut:
		return d, schema.NewErrorf(schema.ErrCodeTimeout, "approval gate %q timed out after %s", t.gate.GateID, t.gate.Timeout).
			WithStep(t.gate.StepIndex)
	case d.Cancelled:
		return d, schema.NewErrorf(schema.ErrCodeCancelled, "approval gate %q cancelled", t.gate.GateID).
			WithStep(t.gate.StepIndex)
	}
	return d, nil
}
