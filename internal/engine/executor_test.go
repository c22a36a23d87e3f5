package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crewflow/internal/agent"
	"github.com/rendis/crewflow/internal/approval"
	"github.com/rendis/crewflow/internal/logging"
	"github.com/rendis/crewflow/internal/rollback"
	"github.com/rendis/crewflow/internal/snapshot"
	"github.com/rendis/crewflow/internal/state"
	"github.com/rendis/crewflow/internal/streaming"
	"github.com/rendis/crewflow/pkg/schema"
)

// --- Test doubles ---

type invokeFunc func(ctx context.Context, agentID, prompt string, call int, onChunk func(string)) (string, error)

// scriptedInvoker records prompts per agent and delegates to fn.
type scriptedInvoker struct {
	mu      sync.Mutex
	calls   map[string]int
	prompts map[string][]string
	fn      invokeFunc
}

func (s *scriptedInvoker) Invoke(ctx context.Context, agentID, prompt string, onChunk func(string)) (string, error) {
	s.mu.Lock()
	s.calls[agentID]++
	n := s.calls[agentID]
	s.prompts[agentID] = append(s.prompts[agentID], prompt)
	s.mu.Unlock()

	if s.fn == nil {
		return agentID + " done", nil
	}
	return s.fn(ctx, agentID, prompt, n, onChunk)
}

func (s *scriptedInvoker) Calls(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[agentID]
}

func (s *scriptedInvoker) Prompts(agentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts[agentID]...)
}

type harness struct {
	exec      Executor
	states    *state.Manager
	approvals *approval.Manager
	rollback  *rollback.Manager
	hub       *streaming.MemoryHub
	inv       *scriptedInvoker
}

func newHarness(t *testing.T, fn invokeFunc) *harness {
	t.Helper()
	logger := logging.Discard()
	states := state.NewManager(snapshot.NewStore(0), nil, nil, logger)
	approvals := approval.NewManager(time.Minute, nil, nil, logger)
	rb := rollback.NewManager(states, nil, nil, logger)
	reg, err := agent.NewRegistry(
		agent.Agent{ID: "researcher", Name: "Researcher"},
		agent.Agent{ID: "writer", Name: "Writer"},
		agent.Agent{ID: "editor", Name: "Editor"},
	)
	require.NoError(t, err)
	inv := &scriptedInvoker{calls: map[string]int{}, prompts: map[string][]string{}, fn: fn}
	hub := streaming.NewMemoryHub()

	exec, err := NewExecutor(Deps{
		States:    states,
		Approvals: approvals,
		Rollback:  rb,
		Invoker:   inv,
		Agents:    reg,
		Hub:       hub,
		Events:    hub,
		Logger:    logger,
	}, ExecutorConfig{PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(exec.Shutdown)

	return &harness{exec: exec, states: states, approvals: approvals, rollback: rb, hub: hub, inv: inv}
}

func crewDefinition(typ schema.WorkflowType) schema.WorkflowDefinition {
	return schema.WorkflowDefinition{
		Type: typ,
		Steps: []schema.StepDefinition{
			{AgentID: "researcher", StepIndex: 0, Name: "research"},
			{AgentID: "writer", StepIndex: 1, Name: "draft", OutputKey: "draft"},
			{AgentID: "editor", StepIndex: 2, Name: "edit"},
		},
	}
}

func newRun(id string, def schema.WorkflowDefinition) Run {
	return Run{WorkflowID: id, CrewID: "crew-1", CrewName: "Content", Definition: def, Input: "write a post"}
}

// runAsync executes run on a goroutine and returns a channel with the summary.
func runAsync(t *testing.T, ctx context.Context, exec Executor, run Run) <-chan *Summary {
	t.Helper()
	done := make(chan *Summary, 1)
	go func() {
		sum, err := exec.Execute(ctx, run)
		assert.NoError(t, err)
		done <- sum
	}()
	return done
}

func awaitSummary(t *testing.T, done <-chan *Summary) *Summary {
	t.Helper()
	select {
	case sum := <-done:
		require.NotNil(t, sum)
		return sum
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not finish")
		return nil
	}
}

func failing(agentID string, failUntil int, err error) invokeFunc {
	return func(_ context.Context, id, _ string, call int, _ func(string)) (string, error) {
		if id == agentID && (failUntil < 0 || call <= failUntil) {
			return "", err
		}
		return id + " done", nil
	}
}

var errUpstream = schema.NewError(schema.ErrCodeAgentInvocationFailed, "upstream returned 502")

// --- Sequential ---

func TestExecutor_Sequential(t *testing.T) {
	h := newHarness(t, nil)
	def := crewDefinition(schema.WorkflowSequential)
	def.Steps[2].ContextQuery = ".draft"

	var seen []int
	sum, err := h.exec.ExecuteWithCallbacks(context.Background(), newRun("wf-seq", def), func(r schema.StepResult) {
		seen = append(seen, r.StepIndex)
	})
	require.NoError(t, err)

	assert.True(t, sum.Success)
	assert.Equal(t, schema.WorkflowStatusCompleted, sum.Status)
	require.Len(t, sum.StepResults, 3)
	assert.Equal(t, []int{0, 1, 2}, seen)
	for i, r := range sum.StepResults {
		assert.Equal(t, i, r.StepIndex)
		assert.Equal(t, i, r.DefinitionIndex)
		assert.True(t, r.Success)
	}

	assert.Equal(t, []string{"write a post"}, h.inv.Prompts("researcher"))
	assert.Equal(t, []string{"write a post\n\n[Researcher]: researcher done"}, h.inv.Prompts("writer"))
	assert.Equal(t,
		[]string{"write a post\n\n[Researcher]: researcher done\n\n[Writer]: writer done\n\nContext:\nwriter done"},
		h.inv.Prompts("editor"))

	st, err := h.states.GetState("wf-seq")
	require.NoError(t, err)
	assert.Equal(t, "editor done", st.Context[ContextLastOutput])
	assert.Equal(t, "editor", st.Context[ContextLastAgent])
	assert.Equal(t, "writer done", st.Context["draft"])
	assert.False(t, h.exec.Running("wf-seq"))
}

func TestExecutor_PromptTemplate(t *testing.T) {
	h := newHarness(t, nil)
	def := crewDefinition(schema.WorkflowSequential)
	def.Steps[2].Prompt = "Polish for ${{workflow.crew_name}}: ${{steps.draft.output}}"

	sum, err := h.exec.Execute(context.Background(), newRun("wf-tmpl", def))
	require.NoError(t, err)
	require.True(t, sum.Success)
	assert.Equal(t, []string{"Polish for Content: writer done"}, h.inv.Prompts("editor"))
}

func TestExecutor_PromptTemplateError(t *testing.T) {
	h := newHarness(t, nil)
	def := crewDefinition(schema.WorkflowSequential)
	def.Steps[1].Prompt = "${{steps.nobody.output}}"
	def.Recovery = &schema.RecoveryStrategy{Kind: schema.RecoveryRetry, MaxAttempts: 3}

	sum, err := h.exec.Execute(context.Background(), newRun("wf-tmpl-err", def))
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusFailed, sum.Status)
	assert.Equal(t, 0, h.inv.Calls("writer"))
	assert.Equal(t, 0, h.rollback.RetryCount("wf-tmpl-err", 1), "interpolation errors are not retried")
}

func TestExecutor_GeneratesWorkflowID(t *testing.T) {
	h := newHarness(t, nil)
	run := newRun("", crewDefinition(schema.WorkflowSequential))

	sum, err := h.exec.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.NotEmpty(t, sum.WorkflowID)
	assert.True(t, sum.Success)
}

func TestExecutor_RejectsInvalidDefinition(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.exec.Execute(context.Background(), newRun("wf-empty", schema.WorkflowDefinition{Type: schema.WorkflowSequential}))
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = h.states.GetState("wf-empty")
	assert.ErrorIs(t, err, schema.ErrNotFound)
}

type rejectAll struct{}

func (rejectAll) Check(schema.WorkflowDefinition) error {
	return schema.NewError(schema.ErrCodeValidation, "rejected")
}

func TestExecutor_UsesDefinitionChecker(t *testing.T) {
	logger := logging.Discard()
	states := state.NewManager(snapshot.NewStore(0), nil, nil, logger)
	exec, err := NewExecutor(Deps{
		States:    states,
		Approvals: approval.NewManager(0, nil, nil, logger),
		Rollback:  rollback.NewManager(states, nil, nil, logger),
		Invoker:   agent.InvokerFunc(func(context.Context, string, string, func(string)) (string, error) { return "", nil }),
		Checker:   rejectAll{},
		Logger:    logger,
	}, ExecutorConfig{})
	require.NoError(t, err)
	defer exec.Shutdown()

	_, err = exec.Execute(context.Background(), newRun("wf-x", crewDefinition(schema.WorkflowSequential)))
	assert.EqualError(t, err, "[VALIDATION_ERROR] rejected")
	assert.Equal(t, DefaultPoolSize, exec.Stats().Size)
}

func TestNewExecutor_RequiresCollaborators(t *testing.T) {
	_, err := NewExecutor(Deps{}, ExecutorConfig{})
	assert.Error(t, err)
}

// --- Approval ---

func TestExecutor_ApprovalGate(t *testing.T) {
	h := newHarness(t, nil)
	def := crewDefinition(schema.WorkflowSequential)
	def.Steps[1].RequiresApproval = true
	ctx := context.Background()

	done := runAsync(t, ctx, h.exec, newRun("wf-approve", def))

	var gates []schema.ApprovalGate
	require.Eventually(t, func() bool {
		gates = h.approvals.GetPendingApprovals("wf-approve")
		return len(gates) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, gates[0].StepIndex)
	assert.Equal(t, "draft", gates[0].StepName)
	assert.Equal(t, "researcher done", gates[0].RequestedData["previous_output"])

	st, err := h.states.GetState("wf-approve")
	require.NoError(t, err)
	assert.Len(t, st.StepResults, 1)
	assert.Equal(t, 0, h.inv.Calls("writer"))

	require.NoError(t, h.approvals.ProvideDecision(ctx, gates[0].GateID, schema.ApprovalDecision{
		Approved: true,
		Data:     map[string]any{"tone": "formal"},
	}))

	sum := awaitSummary(t, done)
	assert.Equal(t, schema.WorkflowStatusCompleted, sum.Status)
	assert.Len(t, sum.StepResults, 3)

	st, err = h.states.GetState("wf-approve")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tone": "formal"}, st.Context["approval_1"])
}

func TestExecutor_ApprovalDenied(t *testing.T) {
	h := newHarness(t, nil)
	def := crewDefinition(schema.WorkflowSequential)
	def.Steps[1].RequiresApproval = true
	// Denials are final even under a retry strategy.
	def.Recovery = &schema.RecoveryStrategy{Kind: schema.RecoveryRetry, MaxAttempts: 3}
	ctx := context.Background()

	done := runAsync(t, ctx, h.exec, newRun("wf-deny", def))

	var gates []schema.ApprovalGate
	require.Eventually(t, func() bool {
		gates = h.approvals.GetPendingApprovals("wf-deny")
		return len(gates) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.approvals.ProvideDecision(ctx, gates[0].GateID, schema.ApprovalDecision{Approved: false, Reason: "off brand"}))

	sum := awaitSummary(t, done)
	assert.Equal(t, schema.WorkflowStatusFailed, sum.Status)
	require.Len(t, sum.StepResults, 2)
	assert.False(t, sum.StepResults[1].Success)
	assert.Contains(t, sum.StepResults[1].Error, "off brand")
	assert.Contains(t, sum.Error, "step 1 failed")
	assert.Equal(t, 0, h.inv.Calls("writer"))
}

func TestExecutor_ApprovalTimeout(t *testing.T) {
	h := newHarness(t, nil)
	def := crewDefinition(schema.WorkflowSequential)
	def.Steps[0].RequiresApproval = true
	def.Steps[0].ApprovalTimeout = "20ms"

	sum, err := h.exec.Execute(context.Background(), newRun("wf-timeout", def))
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusFailed, sum.Status)
	require.Len(t, sum.StepResults, 1)
	assert.Contains(t, sum.StepResults[0].Error, "APPROVAL_DENIED")
	assert.Empty(t, h.approvals.GetPendingApprovals("wf-timeout"))
}

// --- Recovery ---

func TestExecutor_RetryExhausted(t *testing.T) {
	h := newHarness(t, failing("writer", -1, errUpstream))
	def := crewDefinition(schema.WorkflowSequential)
	def.Recovery = &schema.RecoveryStrategy{Kind: schema.RecoveryRetry, MaxAttempts: 3, Backoff: "none"}

	var failures int
	sum, err := h.exec.ExecuteWithCallbacks(context.Background(), newRun("wf-exhaust", def), func(r schema.StepResult) {
		if !r.Success {
			failures++
		}
	})
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusFailed, sum.Status)
	assert.Equal(t, 3, h.inv.Calls("writer"))
	assert.Equal(t, 0, h.inv.Calls("editor"))
	assert.Equal(t, 3, failures)
	assert.Contains(t, sum.Error, schema.ErrCodeExhausted)
	require.Len(t, sum.StepResults, 4, "every attempt is recorded")
	for _, r := range sum.StepResults[1:] {
		assert.False(t, r.Success)
		assert.Equal(t, 1, r.DefinitionIndex)
	}
}

func TestExecutor_RetryRecovers(t *testing.T) {
	h := newHarness(t, failing("writer", 1, errUpstream))
	run := newRun("wf-retry", crewDefinition(schema.WorkflowSequential))
	run.Recovery = &schema.RecoveryStrategy{Kind: schema.RecoveryRetry, MaxAttempts: 2, Backoff: "constant", Delay: "1ms"}

	var outcomes []bool
	sum, err := h.exec.ExecuteWithCallbacks(context.Background(), run, func(r schema.StepResult) {
		outcomes = append(outcomes, r.Success)
	})
	require.NoError(t, err)

	assert.True(t, sum.Success)
	require.Len(t, sum.StepResults, 4)
	assert.Equal(t, 2, h.inv.Calls("writer"))
	assert.Equal(t, []bool{true, false, true, true}, outcomes)
	failed, retried := sum.StepResults[1], sum.StepResults[2]
	assert.False(t, failed.Success)
	assert.Equal(t, 1, failed.DefinitionIndex)
	assert.Contains(t, failed.Error, "upstream returned 502")
	assert.True(t, retried.Success)
	assert.Equal(t, 2, retried.StepIndex)
	assert.Equal(t, 1, retried.DefinitionIndex)
	assert.Equal(t, 1, h.inv.Calls("editor"))
}

func TestExecutor_RetryKeepsContextWrites(t *testing.T) {
	var h *harness
	h = newHarness(t, func(ctx context.Context, id, _ string, call int, _ func(string)) (string, error) {
		if id == "writer" && call == 1 {
			if _, err := h.states.UpdateContext(ctx, "wf-retry-ctx", map[string]any{"note": "operator annotation"}); err != nil {
				return "", err
			}
			return "", errUpstream
		}
		return id + " done", nil
	})
	run := newRun("wf-retry-ctx", crewDefinition(schema.WorkflowSequential))
	run.Recovery = &schema.RecoveryStrategy{Kind: schema.RecoveryRetry, MaxAttempts: 2, Backoff: "none"}

	sum, err := h.exec.Execute(context.Background(), run)
	require.NoError(t, err)
	require.True(t, sum.Success)

	st, err := h.states.GetState("wf-retry-ctx")
	require.NoError(t, err)
	assert.Equal(t, "operator annotation", st.Context["note"])
	assert.Equal(t, "editor done", st.Context[ContextLastOutput])
}

func TestExecutor_NonRetryableErrorAborts(t *testing.T) {
	h := newHarness(t, failing("writer", -1, schema.NewError(schema.ErrCodeValidation, "prompt too long")))
	def := crewDefinition(schema.WorkflowSequential)
	def.Recovery = &schema.RecoveryStrategy{Kind: schema.RecoveryRetry, MaxAttempts: 5}

	sum, err := h.exec.Execute(context.Background(), newRun("wf-nonretry", def))
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusFailed, sum.Status)
	assert.Equal(t, 1, h.inv.Calls("writer"))
}

func TestExecutor_SkipStrategy(t *testing.T) {
	h := newHarness(t, failing("writer", -1, errUpstream))
	def := crewDefinition(schema.WorkflowSequential)
	def.Steps[1].Recovery = &schema.RecoveryStrategy{Kind: schema.RecoverySkip}

	var skipped int
	sum, err := h.exec.ExecuteWithCallbacks(context.Background(), newRun("wf-skip", def), func(r schema.StepResult) {
		if r.Skipped {
			skipped++
		}
	})
	require.NoError(t, err)

	assert.True(t, sum.Success)
	require.Len(t, sum.StepResults, 4)
	assert.False(t, sum.StepResults[1].Skipped, "the failed attempt stays recorded")
	assert.Contains(t, sum.StepResults[1].Error, "upstream returned 502")
	marker := sum.StepResults[2]
	assert.True(t, marker.Skipped)
	assert.False(t, marker.Success)
	assert.Equal(t, 1, marker.DefinitionIndex)
	assert.Equal(t, 2, sum.StepResults[3].DefinitionIndex)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, []string{"write a post\n\n[Researcher]: researcher done"}, h.inv.Prompts("editor"))
}

func TestExecutor_SkipKeepsContextWrites(t *testing.T) {
	var h *harness
	h = newHarness(t, func(ctx context.Context, id, _ string, _ int, _ func(string)) (string, error) {
		if id == "writer" {
			if _, err := h.states.UpdateContext(ctx, "wf-skip-ctx", map[string]any{"note": "operator annotation"}); err != nil {
				return "", err
			}
			return "", errUpstream
		}
		return id + " done", nil
	})
	def := crewDefinition(schema.WorkflowSequential)
	def.Steps[1].Recovery = &schema.RecoveryStrategy{Kind: schema.RecoverySkip}

	sum, err := h.exec.Execute(context.Background(), newRun("wf-skip-ctx", def))
	require.NoError(t, err)
	require.True(t, sum.Success)

	st, err := h.states.GetState("wf-skip-ctx")
	require.NoError(t, err)
	assert.Equal(t, "operator annotation", st.Context["note"])
	snaps, err := h.states.GetSnapshots("wf-skip-ctx")
	require.NoError(t, err)
	for _, s := range snaps {
		assert.NotEqual(t, schema.SnapshotRolledBack, s.Reason)
	}
}

func TestExecutor_RollbackToLastSuccess(t *testing.T) {
	h := newHarness(t, failing("editor", 1, errUpstream))
	def := crewDefinition(schema.WorkflowSequential)
	def.Recovery = &schema.RecoveryStrategy{Kind: schema.RecoveryRollbackToLastSuccess, MaxAttempts: 3}

	sum, err := h.exec.Execute(context.Background(), newRun("wf-rollback", def))
	require.NoError(t, err)
	assert.True(t, sum.Success)
	require.Len(t, sum.StepResults, 3)
	assert.Equal(t, 2, h.inv.Calls("editor"))
	assert.Equal(t, 1, h.inv.Calls("writer"))
}

func TestExecutor_ResumeAfterRollback(t *testing.T) {
	h := newHarness(t, failing("editor", 1, errUpstream))
	ctx := context.Background()

	sum, err := h.exec.Execute(ctx, newRun("wf-resume", crewDefinition(schema.WorkflowSequential)))
	require.NoError(t, err)
	require.Equal(t, schema.WorkflowStatusFailed, sum.Status)

	_, err = h.exec.Resume(ctx, "wf-resume", nil)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))

	st, err := h.rollback.RollbackToStep(ctx, "wf-resume", 2)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusRunning, st.Status)

	sum, err = h.exec.Resume(ctx, "wf-resume", nil)
	require.NoError(t, err)
	assert.True(t, sum.Success)
	require.Len(t, sum.StepResults, 3)
	assert.Equal(t, 1, h.inv.Calls("researcher"))
}

// --- Conditional ---

func TestExecutor_Conditional(t *testing.T) {
	h := newHarness(t, nil)
	def := crewDefinition(schema.WorkflowConditional)
	def.Steps[1].Condition = &schema.Condition{Expression: `context.last_output == "never"`}
	def.Steps[2].Condition = &schema.Condition{Language: schema.ConditionExpr, Expression: `context.last_agent == "researcher"`}

	sum, err := h.exec.Execute(context.Background(), newRun("wf-cond", def))
	require.NoError(t, err)

	assert.True(t, sum.Success)
	require.Len(t, sum.StepResults, 3)
	assert.True(t, sum.StepResults[1].Skipped)
	assert.True(t, sum.StepResults[1].Success)
	assert.False(t, sum.StepResults[2].Skipped)
	assert.Equal(t, 0, h.inv.Calls("writer"))
	assert.Equal(t, 1, h.inv.Calls("editor"))
}

func TestExecutor_ConditionErrorFailsStep(t *testing.T) {
	h := newHarness(t, nil)
	def := crewDefinition(schema.WorkflowConditional)
	def.Steps[1].Condition = &schema.Condition{Expression: `size(input)`}

	sum, err := h.exec.Execute(context.Background(), newRun("wf-cond-err", def))
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusFailed, sum.Status)
	require.Len(t, sum.StepResults, 2)
	assert.Contains(t, sum.StepResults[1].Error, schema.ErrCodeExpression)
}

// --- Parallel ---

func TestExecutor_ParallelRunsConcurrently(t *testing.T) {
	arrived := make(chan string, 3)
	release := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, id, _ string, _ int, _ func(string)) (string, error) {
		arrived <- id
		select {
		case <-release:
			return id + " done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	def := crewDefinition(schema.WorkflowParallel)

	var mu sync.Mutex
	var slots []int
	done := make(chan *Summary, 1)
	go func() {
		sum, err := h.exec.ExecuteWithCallbacks(context.Background(), newRun("wf-par", def), func(r schema.StepResult) {
			mu.Lock()
			slots = append(slots, r.StepIndex)
			mu.Unlock()
		})
		assert.NoError(t, err)
		done <- sum
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-arrived:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 3 steps started concurrently", i)
		}
	}
	close(release)

	sum := awaitSummary(t, done)
	assert.Equal(t, schema.WorkflowStatusCompleted, sum.Status)
	require.Len(t, sum.StepResults, 3)

	var defs []int
	for i, r := range sum.StepResults {
		assert.Equal(t, i, r.StepIndex)
		defs = append(defs, r.DefinitionIndex)
		assert.Equal(t, "write a post", r.Input)
	}
	sort.Ints(defs)
	assert.Equal(t, []int{0, 1, 2}, defs)

	mu.Lock()
	assert.Equal(t, []int{0, 1, 2}, slots)
	mu.Unlock()
}

func TestExecutor_ParallelRetry(t *testing.T) {
	h := newHarness(t, failing("editor", 1, errUpstream))
	def := crewDefinition(schema.WorkflowParallel)
	def.Recovery = &schema.RecoveryStrategy{Kind: schema.RecoveryRetry, MaxAttempts: 2}

	sum, err := h.exec.Execute(context.Background(), newRun("wf-par-retry", def))
	require.NoError(t, err)

	assert.True(t, sum.Success)
	require.Len(t, sum.StepResults, 4)
	assert.Equal(t, 2, h.inv.Calls("editor"))
	assert.Equal(t, 1, h.rollback.RetryCount("wf-par-retry", 2))
}

func TestExecutor_ParallelSkip(t *testing.T) {
	h := newHarness(t, failing("writer", -1, errUpstream))
	def := crewDefinition(schema.WorkflowParallel)
	def.Steps[1].Recovery = &schema.RecoveryStrategy{Kind: schema.RecoverySkip}

	sum, err := h.exec.Execute(context.Background(), newRun("wf-par-skip", def))
	require.NoError(t, err)

	assert.True(t, sum.Success)
	require.Len(t, sum.StepResults, 4)
	var markers int
	for _, r := range sum.StepResults {
		if r.Skipped {
			markers++
			assert.Equal(t, 1, r.DefinitionIndex)
		}
	}
	assert.Equal(t, 1, markers)
}

func TestExecutor_ParallelAbort(t *testing.T) {
	h := newHarness(t, failing("writer", -1, errUpstream))

	sum, err := h.exec.Execute(context.Background(), newRun("wf-par-abort", crewDefinition(schema.WorkflowParallel)))
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusFailed, sum.Status)
	assert.False(t, sum.Success)
	assert.NotEmpty(t, sum.Error)
}

func TestExecutor_ParallelPanicIsStepFailure(t *testing.T) {
	h := newHarness(t, func(_ context.Context, id, _ string, _ int, _ func(string)) (string, error) {
		if id == "writer" {
			panic("agent exploded")
		}
		return id + " done", nil
	})
	def := crewDefinition(schema.WorkflowParallel)
	def.Steps[1].Recovery = &schema.RecoveryStrategy{Kind: schema.RecoverySkip}

	sum, err := h.exec.Execute(context.Background(), newRun("wf-par-panic", def))
	require.NoError(t, err)
	assert.True(t, sum.Success)

	var failed *schema.StepResult
	for i := range sum.StepResults {
		if sum.StepResults[i].DefinitionIndex == 1 && !sum.StepResults[i].Skipped {
			failed = &sum.StepResults[i]
		}
	}
	require.NotNil(t, failed)
	assert.Contains(t, failed.Error, "agent exploded")
}

// --- Lifecycle control ---

func blockingOn(agentID string, started chan<- struct{}) invokeFunc {
	return func(ctx context.Context, id, _ string, _ int, _ func(string)) (string, error) {
		if id != agentID {
			return id + " done", nil
		}
		started <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	}
}

func TestExecutor_Cancel(t *testing.T) {
	started := make(chan struct{}, 1)
	h := newHarness(t, blockingOn("writer", started))
	ctx := context.Background()

	done := runAsync(t, ctx, h.exec, newRun("wf-cancel", crewDefinition(schema.WorkflowSequential)))
	<-started
	assert.True(t, h.exec.Running("wf-cancel"))

	require.NoError(t, h.exec.Cancel(ctx, "wf-cancel", "user request"))

	sum := awaitSummary(t, done)
	assert.Equal(t, schema.WorkflowStatusFailed, sum.Status)
	assert.Equal(t, "cancelled: user request", sum.Error)
	assert.Len(t, sum.StepResults, 1)
	assert.Eventually(t, func() bool { return !h.exec.Running("wf-cancel") }, time.Second, 5*time.Millisecond)

	// Cancelling a failed workflow is a no-op and keeps the first reason.
	require.NoError(t, h.exec.Cancel(ctx, "wf-cancel", "again"))
	st, err := h.states.GetState("wf-cancel")
	require.NoError(t, err)
	assert.Equal(t, "cancelled: user request", st.Context[state.ContextErrorKey])

	err = h.exec.Cancel(ctx, "wf-missing", "")
	assert.ErrorIs(t, err, schema.ErrNotFound)
}

func TestExecutor_CancelClearsApprovals(t *testing.T) {
	h := newHarness(t, nil)
	def := crewDefinition(schema.WorkflowSequential)
	def.Steps[0].RequiresApproval = true
	ctx := context.Background()

	done := runAsync(t, ctx, h.exec, newRun("wf-cancel-gate", def))
	require.Eventually(t, func() bool {
		return len(h.approvals.GetPendingApprovals("wf-cancel-gate")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.exec.Cancel(ctx, "wf-cancel-gate", ""))

	sum := awaitSummary(t, done)
	assert.Equal(t, schema.WorkflowStatusFailed, sum.Status)
	assert.Empty(t, sum.StepResults)
	assert.Empty(t, h.approvals.GetPendingApprovals("wf-cancel-gate"))
}

func TestExecutor_CallerContextCancelled(t *testing.T) {
	started := make(chan struct{}, 1)
	h := newHarness(t, blockingOn("researcher", started))
	ctx, cancel := context.WithCancel(context.Background())

	done := runAsync(t, ctx, h.exec, newRun("wf-ctx", crewDefinition(schema.WorkflowSequential)))
	<-started
	cancel()

	sum := awaitSummary(t, done)
	assert.Equal(t, schema.WorkflowStatusFailed, sum.Status)
	assert.Contains(t, sum.Error, "cancelled")
	assert.Empty(t, sum.StepResults)
}

func TestExecutor_PauseResume(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	h := newHarness(t, func(_ context.Context, id, _ string, _ int, _ func(string)) (string, error) {
		if id == "researcher" {
			started <- struct{}{}
			<-release
		}
		return id + " done", nil
	})
	ctx := context.Background()

	done := runAsync(t, ctx, h.exec, newRun("wf-pause", crewDefinition(schema.WorkflowSequential)))
	<-started

	st, err := h.exec.Pause(ctx, "wf-pause")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusPaused, st.Status)
	close(release)

	// The in-flight step is recorded, then the run waits.
	require.Eventually(t, func() bool {
		st, err := h.states.GetState("wf-pause")
		return err == nil && len(st.StepResults) == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, h.inv.Calls("writer"))

	st, err = h.exec.ResumeRun(ctx, "wf-pause")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusRunning, st.Status)

	sum := awaitSummary(t, done)
	assert.True(t, sum.Success)
	assert.Len(t, sum.StepResults, 3)
}

func TestExecutor_DuplicateRunRejected(t *testing.T) {
	started := make(chan struct{}, 1)
	h := newHarness(t, blockingOn("researcher", started))
	ctx := context.Background()

	done := runAsync(t, ctx, h.exec, newRun("wf-dup", crewDefinition(schema.WorkflowSequential)))
	<-started

	_, err := h.exec.Execute(ctx, newRun("wf-dup", crewDefinition(schema.WorkflowSequential)))
	assert.ErrorIs(t, err, schema.ErrAlreadyExists)

	_, err = h.exec.Resume(ctx, "wf-dup", nil)
	assert.ErrorIs(t, err, schema.ErrAlreadyExists)

	require.NoError(t, h.exec.Cancel(ctx, "wf-dup", "done"))
	awaitSummary(t, done)
}

// --- Streaming ---

func TestExecutor_StreamsChunksAndEvents(t *testing.T) {
	h := newHarness(t, func(_ context.Context, id, _ string, _ int, onChunk func(string)) (string, error) {
		onChunk("hel")
		onChunk("lo")
		return "hello", nil
	})
	ctx := context.Background()
	events, unsubscribe, err := h.hub.Subscribe(ctx, streaming.EventFilter{WorkflowID: "wf-stream"})
	require.NoError(t, err)
	defer unsubscribe()

	def := schema.WorkflowDefinition{
		Type:  schema.WorkflowSequential,
		Steps: []schema.StepDefinition{{AgentID: "writer"}},
	}
	sum, err := h.exec.Execute(ctx, newRun("wf-stream", def))
	require.NoError(t, err)
	require.True(t, sum.Success)

	var types []string
	var chunks []string
	for len(events) > 0 {
		ev := <-events
		types = append(types, ev.Type)
		if ev.Type == streaming.EventAgentChunk {
			chunks = append(chunks, ev.Payload.(map[string]string)["chunk"])
		}
	}
	assert.Equal(t, []string{"hel", "lo"}, chunks)
	assert.Contains(t, types, schema.EventStepStarted)
	assert.Equal(t, schema.EventStepStarted, types[0], fmt.Sprintf("events: %v", types))
}
