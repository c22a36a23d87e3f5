// Package scheduler runs the retention janitor: on a cron schedule it prunes
// old run log events and forgets finished workflows.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/crewflow/internal/metrics"
	"github.com/rendis/crewflow/pkg/schema"
)

// DefaultSchedule runs the janitor every ten minutes.
const DefaultSchedule = "@every 10m"

// EventPruner drops run log events older than a cutoff.
type EventPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// States lists and deletes workflow state.
type States interface {
	ListStates(filter schema.StateFilter) []*schema.WorkflowState
	DeleteState(ctx context.Context, workflowID string) bool
}

// Approvals clears the gates of a deleted workflow.
type Approvals interface {
	ClearWorkflowApprovals(ctx context.Context, workflowID string) int
}

// RetryCounters clears the retry counters of a deleted workflow.
type RetryCounters interface {
	ClearRetryCounters(workflowID string)
}

// RunTracker reports whether a workflow is still being driven.
type RunTracker interface {
	Running(workflowID string) bool
}

// Deps are the janitor collaborators. Any of them may be nil; the matching
// sweep is skipped.
type Deps struct {
	Events    EventPruner
	States    States
	Approvals Approvals
	Retries   RetryCounters
	Runs      RunTracker
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Config controls what is kept. A zero retention disables that sweep.
type Config struct {
	Schedule       string
	EventRetention time.Duration
	StateRetention time.Duration
}

// Report summarizes one sweep.
type Report struct {
	EventsPruned  int64 `json:"events_pruned"`
	StatesDeleted int   `json:"states_deleted"`
}

// Janitor applies the retention policy on a cron schedule.
type Janitor struct {
	deps     Deps
	cfg      Config
	schedule cron.Schedule
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	sweepMu sync.Mutex
}

// NewJanitor parses the schedule and builds a Janitor.
func NewJanitor(deps Deps, cfg Config) (*Janitor, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse janitor schedule %q: %w", cfg.Schedule, err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		deps:     deps,
		cfg:      cfg,
		schedule: schedule,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "janitor")),
	}, nil
}

// Next returns the next sweep time after from.
func (j *Janitor) Next(from time.Time) time.Time {
	return j.schedule.Next(from)
}

// Start launches the background loop.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.done != nil {
		j.mu.Unlock()
		return fmt.Errorf("janitor already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	j.mu.Unlock()

	go j.loop(loopCtx)
	j.logger.Info("janitor started", slog.String("schedule", j.cfg.Schedule))
	return nil
}

func (j *Janitor) loop(ctx context.Context) {
	defer close(j.done)

	for {
		wait := j.Next(j.now()).Sub(j.now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := j.Sweep(ctx); err != nil {
				j.logger.Error("janitor sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Stop shuts the loop down and waits for an in-flight sweep.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel == nil {
		return
	}
	j.cancel()
	<-j.done
	j.cancel = nil
	j.done = nil
	j.logger.Info("janitor stopped")
}

// Sweep runs one retention pass. Sweeps never overlap. The state sweep still
// runs when event pruning fails; the first error is returned.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	j.sweepMu.Lock()
	defer j.sweepMu.Unlock()

	var (
		rep      Report
		firstErr error
	)
	now := j.now()

	if j.deps.Events != nil && j.cfg.EventRetention > 0 {
		n, err := j.deps.Events.Prune(ctx, now.Add(-j.cfg.EventRetention))
		if err != nil {
			firstErr = fmt.Errorf("prune run log: %w", err)
		} else {
			rep.EventsPruned = n
			j.deps.Metrics.EventsPruned(n)
		}
	}

	if j.deps.States != nil && j.cfg.StateRetention > 0 {
		rep.StatesDeleted = j.sweepStates(ctx, now.Add(-j.cfg.StateRetention))
	}

	if rep.EventsPruned > 0 || rep.StatesDeleted > 0 {
		j.logger.InfoContext(ctx, "janitor sweep",
			slog.Int64("events_pruned", rep.EventsPruned),
			slog.Int("states_deleted", rep.StatesDeleted))
	}
	return rep, firstErr
}

func (j *Janitor) sweepStates(ctx context.Context, cutoff time.Time) int {
	deleted := 0
	for _, status := range []schema.WorkflowStatus{schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed} {
		for _, st := range j.deps.States.ListStates(schema.StateFilter{Status: status}) {
			if !st.UpdatedAt.Before(cutoff) {
				continue
			}
			if j.deps.Runs != nil && j.deps.Runs.Running(st.ID) {
				continue
			}
			if !j.deps.States.DeleteState(ctx, st.ID) {
				continue
			}
			if j.deps.Approvals != nil {
				j.deps.Approvals.ClearWorkflowApprovals(ctx, st.ID)
			}
			if j.deps.Retries != nil {
				j.deps.Retries.ClearRetryCounters(st.ID)
			}
			deleted++
		}
	}
	return deleted
}
