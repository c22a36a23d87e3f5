// Package snapshot keeps the in-memory version history of workflow state.
package snapshot

import (
	"sync"
	"time"

	"github.com/rendis/crewflow/pkg/schema"
)

// DefaultRetention is how many recent snapshots survive eviction per workflow.
const DefaultRetention = 64

// Store is an in-memory, per-workflow snapshot history. Snapshots are deep
// copies and are never mutated after Record returns.
type Store struct {
	mu        sync.RWMutex
	retention int
	histories map[string]*history
	now       func() time.Time
}

type history struct {
	seq   int64
	items []schema.Snapshot // ordered oldest first
}

// NewStore creates a store keeping the last retention snapshots per workflow
// plus the newest one at every distinct step index. retention <= 0 keeps all.
func NewStore(retention int) *Store {
	return &Store{
		retention: retention,
		histories: make(map[string]*history),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Record deep-copies state and appends it to the workflow's history.
func (s *Store) Record(state *schema.WorkflowState, reason schema.SnapshotReason) schema.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.histories[state.ID]
	if !ok {
		h = &history{}
		s.histories[state.ID] = h
	}
	h.seq++
	snap := schema.Snapshot{
		WorkflowID: state.ID,
		StepIndex:  state.CurrentStepIndex,
		Sequence:   h.seq,
		Reason:     reason,
		TakenAt:    s.now(),
		State:      state.Clone(),
	}
	h.items = append(h.items, snap)
	s.evict(h)
	return cloneSnapshot(snap)
}

// evict drops the oldest snapshots beyond the retention window, but never the
// newest snapshot for a step index.
func (s *Store) evict(h *history) {
	if s.retention <= 0 || len(h.items) <= s.retention {
		return
	}
	cutoff := len(h.items) - s.retention
	newestAt := make(map[int]int64, len(h.items))
	for _, it := range h.items {
		newestAt[it.StepIndex] = it.Sequence
	}
	kept := h.items[:0]
	for i, it := range h.items {
		if i >= cutoff || newestAt[it.StepIndex] == it.Sequence {
			kept = append(kept, it)
		}
	}
	h.items = kept
}

// List returns every retained snapshot for a workflow, newest last.
func (s *Store) List(workflowID string) []schema.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[workflowID]
	if !ok {
		return nil
	}
	out := make([]schema.Snapshot, len(h.items))
	for i, it := range h.items {
		out[i] = cloneSnapshot(it)
	}
	return out
}

// At returns the most recent snapshot taken at stepIndex.
func (s *Store) At(workflowID string, stepIndex int) (schema.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[workflowID]
	if !ok {
		return schema.Snapshot{}, false
	}
	for i := len(h.items) - 1; i >= 0; i-- {
		if h.items[i].StepIndex == stepIndex {
			return cloneSnapshot(h.items[i]), true
		}
	}
	return schema.Snapshot{}, false
}

// Latest returns the newest snapshot for a workflow.
func (s *Store) Latest(workflowID string) (schema.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[workflowID]
	if !ok || len(h.items) == 0 {
		return schema.Snapshot{}, false
	}
	return cloneSnapshot(h.items[len(h.items)-1]), true
}

// Len reports how many snapshots are retained for a workflow.
func (s *Store) Len(workflowID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.histories[workflowID]; ok {
		return len(h.items)
	}
	return 0
}

// Drop removes a workflow's history entirely.
func (s *Store) Drop(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.histories, workflowID)
}

func cloneSnapshot(s schema.Snapshot) schema.Snapshot {
	s.State = s.State.Clone()
	return s
}
