package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crewflow/internal/approval"
	"github.com/rendis/crewflow/internal/logging"
	"github.com/rendis/crewflow/internal/metrics"
	"github.com/rendis/crewflow/internal/rollback"
	"github.com/rendis/crewflow/internal/snapshot"
	"github.com/rendis/crewflow/internal/state"
	"github.com/rendis/crewflow/internal/store"
	"github.com/rendis/crewflow/pkg/schema"
)

type fakeRuns map[string]bool

func (f fakeRuns) Running(id string) bool { return f[id] }

type failingPruner struct{}

func (failingPruner) Prune(context.Context, time.Time) (int64, error) {
	return 0, errors.New("disk full")
}

type fixture struct {
	states    *state.Manager
	approvals *approval.Manager
	rollback  *rollback.Manager
	runlog    *store.MemoryLog
	reg       *prometheus.Registry
	m         *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logging.Discard()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	runlog := store.NewMemoryLog()
	states := state.NewManager(snapshot.NewStore(0), runlog, m, logger)
	return &fixture{
		states:    states,
		approvals: approval.NewManager(time.Minute, runlog, m, logger),
		rollback:  rollback.NewManager(states, runlog, m, logger),
		runlog:    runlog,
		reg:       reg,
		m:         m,
	}
}

func (f *fixture) workflow(t *testing.T, id string, status schema.WorkflowStatus) {
	t.Helper()
	ctx := context.Background()
	def := schema.WorkflowDefinition{
		Type:  schema.WorkflowSequential,
		Steps: []schema.StepDefinition{{AgentID: "researcher", StepIndex: 0}},
	}
	_, err := f.states.CreateState(ctx, id, "crew-1", "Crew", def, "topic")
	require.NoError(t, err)
	if status == schema.WorkflowStatusPending {
		return
	}
	_, err = f.states.UpdateStatus(ctx, id, schema.WorkflowStatusRunning)
	require.NoError(t, err)
	if status != schema.WorkflowStatusRunning {
		_, err = f.states.UpdateStatus(ctx, id, status)
		require.NoError(t, err)
	}
}

func (f *fixture) janitor(t *testing.T, cfg Config, runs RunTracker, offset time.Duration) *Janitor {
	t.Helper()
	j, err := NewJanitor(Deps{
		Events:    f.runlog,
		States:    f.states,
		Approvals: f.approvals,
		Retries:   f.rollback,
		Runs:      runs,
		Metrics:   f.m,
		Logger:    logging.Discard(),
	}, cfg)
	require.NoError(t, err)
	j.now = func() time.Time { return time.Now().UTC().Add(offset) }
	return j
}

func TestNewJanitor_Schedule(t *testing.T) {
	j, err := NewJanitor(Deps{}, Config{})
	require.NoError(t, err)
	from := time.Date(2026, 3, 1, 12, 3, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 13, 0, 0, time.UTC), j.Next(from))

	j, err = NewJanitor(Deps{}, Config{Schedule: "0 * * * *"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), j.Next(from))

	_, err = NewJanitor(Deps{}, Config{Schedule: "every tuesday"})
	assert.Error(t, err)
}

func TestSweep_DeletesOldTerminalWorkflows(t *testing.T) {
	f := newFixture(t)
	f.workflow(t, "done", schema.WorkflowStatusCompleted)
	f.workflow(t, "broken", schema.WorkflowStatusFailed)
	f.workflow(t, "busy", schema.WorkflowStatusFailed)
	f.workflow(t, "live", schema.WorkflowStatusRunning)
	f.workflow(t, "queued", schema.WorkflowStatusPending)

	ctx := context.Background()
	_, err := f.approvals.RequestApproval(ctx, "broken", schema.ApprovalRequest{StepIndex: 0})
	require.NoError(t, err)

	j := f.janitor(t, Config{StateRetention: time.Hour}, fakeRuns{"busy": true}, 2*time.Hour)
	rep, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.StatesDeleted)
	assert.Zero(t, rep.EventsPruned)

	for _, id := range []string{"done", "broken"} {
		_, err := f.states.GetState(id)
		assert.Error(t, err, id)
	}
	for _, id := range []string{"busy", "live", "queued"} {
		_, err := f.states.GetState(id)
		assert.NoError(t, err, id)
	}
	assert.Empty(t, f.approvals.GetPendingApprovals("broken"))
}

func TestSweep_KeepsRecentWorkflows(t *testing.T) {
	f := newFixture(t)
	f.workflow(t, "done", schema.WorkflowStatusCompleted)

	j := f.janitor(t, Config{StateRetention: time.Hour}, nil, 0)
	rep, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.StatesDeleted)

	_, err = f.states.GetState("done")
	assert.NoError(t, err)
}

func TestSweep_PrunesRunLog(t *testing.T) {
	f := newFixture(t)
	f.workflow(t, "done", schema.WorkflowStatusCompleted)

	before, err := f.runlog.Events(context.Background(), "done", 0)
	require.NoError(t, err)
	require.NotEmpty(t, before)

	j := f.janitor(t, Config{EventRetention: time.Hour}, nil, 2*time.Hour)
	rep, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(before)), rep.EventsPruned)
	assert.Zero(t, rep.StatesDeleted)

	after, err := f.runlog.Events(context.Background(), "done", 0)
	require.NoError(t, err)
	assert.Empty(t, after)

	assert.Equal(t, float64(len(before)), gathered(t, f.reg, "crewflow_events_pruned_total"))
}

func TestSweep_PruneErrorStillSweepsStates(t *testing.T) {
	f := newFixture(t)
	f.workflow(t, "done", schema.WorkflowStatusCompleted)

	j, err := NewJanitor(Deps{Events: failingPruner{}, States: f.states}, Config{
		EventRetention: time.Hour,
		StateRetention: time.Hour,
	})
	require.NoError(t, err)
	j.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }

	rep, err := j.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, rep.StatesDeleted)
}

func TestSweep_ZeroRetentionIsNoop(t *testing.T) {
	f := newFixture(t)
	f.workflow(t, "done", schema.WorkflowStatusCompleted)

	j := f.janitor(t, Config{}, nil, 24*time.Hour)
	rep, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)
}

func TestJanitor_StartStop(t *testing.T) {
	j, err := NewJanitor(Deps{Logger: logging.Discard()}, Config{})
	require.NoError(t, err)

	require.NoError(t, j.Start(context.Background()))
	assert.Error(t, j.Start(context.Background()))
	j.Stop()
	j.Stop()

	require.NoError(t, j.Start(context.Background()))
	j.Stop()
}

func gathered(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}
