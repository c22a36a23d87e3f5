// Package store holds the durable run log: an append-only, per-workflow
// sequenced record of lifecycle events. Workflow state itself stays in
// memory; the log is what survives a restart for audit and replay.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/crewflow/pkg/schema"
)

// RunLog is the run log contract. Implementations must be safe for
// concurrent use and assign Sequence (1-based, contiguous per workflow) and
// Timestamp on Append.
type RunLog interface {
	// Append records event, filling in Sequence and a zero Timestamp.
	Append(ctx context.Context, event *schema.Event) error

	// Events returns the events of workflowID with Sequence > since, in order.
	Events(ctx context.Context, workflowID string, since int64) ([]*schema.Event, error)

	// Prune deletes events older than before and reports how many went.
	Prune(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// Appender is the write side shared by the run log and the streaming hub.
type Appender interface {
	Append(ctx context.Context, event *schema.Event) error
}

// Tee fans an event out to several appenders, typically the run log
// followed by the live hub. Every appender sees the event even when an
// earlier one fails; the failures are joined.
type Tee []Appender

// Append implements Appender.
func (t Tee) Append(ctx context.Context, event *schema.Event) error {
	var errs []error
	for _, a := range t {
		if a == nil {
			continue
		}
		if err := a.Append(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func storeError(op string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeStore, "run log %s: %v", op, err).WithCause(err)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
