package store

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/crewflow/pkg/schema"
)

// MemoryLog is an in-process RunLog. It is the default when no database is
// configured and backs most tests.
type MemoryLog struct {
	mu     sync.RWMutex
	events map[string][]*schema.Event
	seqs   map[string]int64
	nextID int64
}

// NewMemoryLog creates an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		events: make(map[string][]*schema.Event),
		seqs:   make(map[string]int64),
	}
}

func (l *MemoryLog) Append(ctx context.Context, event *schema.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	l.seqs[event.WorkflowID]++
	event.ID = l.nextID
	event.Sequence = l.seqs[event.WorkflowID]
	event.Timestamp = timeOrNow(event.Timestamp)

	stored := *event
	l.events[event.WorkflowID] = append(l.events[event.WorkflowID], &stored)
	return nil
}

func (l *MemoryLog) Events(_ context.Context, workflowID string, since int64) ([]*schema.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*schema.Event
	for _, e := range l.events[workflowID] {
		if e.Sequence > since {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// Prune drops old events. Sequences keep counting so readers polling with
// since never see a number reused.
func (l *MemoryLog) Prune(_ context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int64
	for wf, evs := range l.events {
		kept := evs[:0]
		for _, e := range evs {
			if e.Timestamp.Before(before) {
				n++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(l.events, wf)
			continue
		}
		l.events[wf] = kept
	}
	return n, nil
}

func (l *MemoryLog) Close() error { return nil }
