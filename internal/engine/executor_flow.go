package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/crewflow/internal/expressions"
	"github.com/rendis/crewflow/internal/logging"
	"github.com/rendis/crewflow/internal/streaming"
	"github.com/rendis/crewflow/pkg/schema"
)

// errStopped signals that the workflow turned terminal outside the run.
var errStopped = errors.New("workflow stopped")

// Context keys written after every successful step.
const (
	ContextLastOutput = "last_output"
	ContextLastAgent  = "last_agent"
)

// runOrdered walks sequential and conditional definitions one step at a time.
// The cursor is the step after the latest settled result, so failed attempts
// stay recorded and a retry reruns the same step.
func (e *executorImpl) runOrdered(ctx context.Context, run *workflowRun) error {
	for {
		st, err := e.waitWhilePaused(ctx, run.workflowID)
		if err != nil {
			return err
		}
		if st.Status.Terminal() {
			return nil
		}

		cursor := st.NextStep()
		if cursor >= len(st.Definition.Steps) {
			done, err := e.complete(ctx, run.workflowID)
			if err != nil || done {
				return err
			}
			continue
		}

		res, stepErr, err := e.executeStep(ctx, st, cursor, false)
		if err != nil {
			return err
		}
		res.StepIndex = len(st.StepResults)
		if err := e.record(ctx, run, res); err != nil {
			if errors.Is(err, errStopped) {
				return nil
			}
			return err
		}
		if res.Success {
			continue
		}

		verdict, delay, err := e.applyRecovery(ctx, run, st.Definition, res, stepErr)
		if err != nil {
			return err
		}
		if !verdict.Recovered {
			return nil
		}
		if verdict.Action == schema.ActionRetry {
			if err := WaitForBackoff(ctx, delay); err != nil {
				return err
			}
		}
	}
}

// outcome is what a parallel worker hands back to the collector.
type outcome struct {
	defIdx  int
	result  schema.StepResult
	stepErr error
	err     error
}

// runParallel starts every step at once on the shared pool. A single
// collector records results, so slots stay contiguous and callbacks are
// serialized. The run completes when every definition index has a success or
// a skip recorded.
func (e *executorImpl) runParallel(ctx context.Context, run *workflowRun) error {
	st, err := e.states.GetState(run.workflowID)
	if err != nil {
		return err
	}
	def := st.Definition
	results := make(chan outcome, len(def.Steps))
	inflight := make(map[int]bool, len(def.Steps))
	delays := make(map[int]time.Duration)

	submit := func(defIdx int) error {
		delay := delays[defIdx]
		delete(delays, defIdx)
		inflight[defIdx] = true
		onPanic := func(perr error) {
			results <- outcome{defIdx: defIdx, result: e.failedResult(def, defIdx, time.Now(), perr), stepErr: perr}
		}
		err := e.pool.Submit(ctx, func(ctx context.Context) error {
			o := e.parallelStep(ctx, run.workflowID, defIdx, delay)
			results <- o
			if o.err != nil {
				return o.err
			}
			return o.stepErr
		}, onPanic)
		if err != nil {
			delete(inflight, defIdx)
		}
		return err
	}

	for {
		st, err := e.states.GetState(run.workflowID)
		if err != nil {
			return err
		}
		if st.Status.Terminal() {
			return nil
		}
		for _, defIdx := range pendingSteps(st) {
			if inflight[defIdx] {
				continue
			}
			if err := submit(defIdx); err != nil {
				return err
			}
		}
		if len(inflight) == 0 {
			done, err := e.complete(ctx, run.workflowID)
			if err != nil || done {
				return err
			}
			if _, err := e.waitWhilePaused(ctx, run.workflowID); err != nil {
				return err
			}
			continue
		}

		var o outcome
		select {
		case o = <-results:
		case <-ctx.Done():
			return ctx.Err()
		}
		delete(inflight, o.defIdx)
		if errors.Is(o.err, errStopped) {
			return nil
		}
		if o.err != nil {
			return o.err
		}

		cur, err := e.states.GetState(run.workflowID)
		if err != nil {
			return err
		}
		o.result.StepIndex = len(cur.StepResults)
		if err := e.record(ctx, run, o.result); err != nil {
			if errors.Is(err, errStopped) {
				return nil
			}
			return err
		}
		if o.result.Success {
			continue
		}

		verdict, delay, err := e.applyRecovery(ctx, run, def, o.result, o.stepErr)
		if err != nil {
			return err
		}
		if !verdict.Recovered {
			return nil
		}
		if verdict.Action == schema.ActionRetry {
			delays[o.defIdx] = delay
		}
	}
}

func (e *executorImpl) parallelStep(ctx context.Context, workflowID string, defIdx int, delay time.Duration) outcome {
	if err := WaitForBackoff(ctx, delay); err != nil {
		return outcome{defIdx: defIdx, err: err}
	}
	st, err := e.waitWhilePaused(ctx, workflowID)
	if err != nil {
		return outcome{defIdx: defIdx, err: err}
	}
	if st.Status.Terminal() {
		return outcome{defIdx: defIdx, err: errStopped}
	}
	res, stepErr, err := e.executeStep(ctx, st, defIdx, true)
	return outcome{defIdx: defIdx, result: res, stepErr: stepErr, err: err}
}

// pendingSteps lists definition indexes without a success or skip recorded.
func pendingSteps(st *schema.WorkflowState) []int {
	settled := make(map[int]bool, len(st.StepResults))
	for _, r := range st.StepResults {
		if r.Success || r.Skipped {
			settled[r.DefinitionIndex] = true
		}
	}
	var out []int
	for i := range st.Definition.Steps {
		if !settled[i] {
			out = append(out, i)
		}
	}
	return out
}

// executeStep runs the step at defIdx against st. It returns the result to
// record and, for failures, the underlying error. A non-nil err means the run
// was interrupted and nothing should be recorded.
func (e *executorImpl) executeStep(ctx context.Context, st *schema.WorkflowState, defIdx int, parallel bool) (schema.StepResult, error, error) {
	step := st.Definition.Steps[defIdx]
	ctx = logging.WithStep(ctx, defIdx, step.AgentID)
	start := time.Now()
	res := schema.StepResult{
		DefinitionIndex: defIdx,
		AgentID:         step.AgentID,
		AgentName:       e.agents.Name(step.AgentID),
		StartTime:       start,
	}
	fail := func(stepErr error) (schema.StepResult, error, error) {
		f := e.failedResult(st.Definition, defIdx, start, stepErr)
		f.Input = res.Input
		return f, stepErr, nil
	}

	if step.Condition != nil {
		ok, err := e.eval.Condition(ctx, step.Condition, st)
		if err != nil {
			return fail(err)
		}
		if !ok {
			e.logger.DebugContext(ctx, "condition false, step skipped", slog.String("expression", step.Condition.Expression))
			res.Success = true
			res.Skipped = true
			res.EndTime = time.Now()
			res.Duration = res.EndTime.Sub(start)
			return res, nil, nil
		}
	}

	if step.RequiresApproval {
		if err := e.awaitApproval(ctx, st, defIdx); err != nil {
			if ctx.Err() != nil {
				return res, nil, ctx.Err()
			}
			return fail(err)
		}
		// The approval may have taken a while; build the prompt from fresh state.
		fresh, err := e.states.GetState(st.ID)
		if err != nil {
			return res, nil, err
		}
		st = fresh
	}

	prompt, err := e.composePrompt(ctx, st, step, parallel)
	if err != nil {
		return fail(err)
	}
	res.Input = prompt

	e.emit(ctx, schema.NewEvent(st.ID, schema.EventStepStarted, map[string]any{
		"definition_index": defIdx,
		"name":             step.DisplayName(),
	}).AtStep(defIdx, step.AgentID))

	output, err := e.invoker.Invoke(ctx, step.AgentID, prompt, e.chunkPublisher(ctx, st.ID, defIdx, step.AgentID))
	if ctx.Err() != nil {
		return res, nil, ctx.Err()
	}
	if err != nil {
		e.logger.WarnContext(ctx, "step failed", slog.Any("error", err))
		return fail(err)
	}

	res.Output = output
	res.Success = true
	res.EndTime = time.Now()
	res.Duration = res.EndTime.Sub(start)
	return res, nil, nil
}

func (e *executorImpl) failedResult(def schema.WorkflowDefinition, defIdx int, start time.Time, stepErr error) schema.StepResult {
	step := def.Steps[defIdx]
	end := time.Now()
	return schema.StepResult{
		DefinitionIndex: defIdx,
		AgentID:         step.AgentID,
		AgentName:       e.agents.Name(step.AgentID),
		Error:           stepErr.Error(),
		StartTime:       start,
		EndTime:         end,
		Duration:        end.Sub(start),
	}
}

// awaitApproval blocks on a gate for the step. Denials and timeouts come back
// as APPROVAL_DENIED. Approval data is merged into the workflow context.
func (e *executorImpl) awaitApproval(ctx context.Context, st *schema.WorkflowState, defIdx int) error {
	step := st.Definition.Steps[defIdx]
	data := map[string]any{
		"agent_id": step.AgentID,
		"input":    st.Input,
	}
	if last := st.LastSuccess(); last >= 0 {
		data["previous_output"] = st.StepResults[last].Output
	}
	ticket, err := e.approvals.RequestApproval(ctx, st.ID, schema.ApprovalRequest{
		StepIndex: defIdx,
		StepName:  step.DisplayName(),
		Data:      data,
		Timeout:   st.Definition.ApprovalTimeoutFor(step),
	})
	if err != nil {
		return err
	}

	decision, err := ticket.Wait(ctx)
	if ctx.Err() != nil {
		ticket.Cancel()
		return ctx.Err()
	}
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeApprovalDenied, "approval for step %d not granted: %v", defIdx, err).
			WithStep(defIdx).WithCause(err)
	}
	if !decision.Approved {
		msg := fmt.Sprintf("approval for step %d denied", defIdx)
		if decision.Reason != "" {
			msg += ": " + decision.Reason
		}
		return schema.NewError(schema.ErrCodeApprovalDenied, msg).WithStep(defIdx).WithCause(schema.ErrApprovalDenied)
	}
	if len(decision.Data) > 0 {
		key := fmt.Sprintf("approval_%d", defIdx)
		if _, err := e.states.UpdateContext(ctx, st.ID, map[string]any{key: decision.Data}); err != nil {
			return err
		}
	}
	return nil
}

// composePrompt builds the agent input. A step template wins; otherwise
// ordered steps see the workflow input followed by every prior successful
// output, and parallel steps see the input alone. A context query appends its
// selection in both default forms.
func (e *executorImpl) composePrompt(ctx context.Context, st *schema.WorkflowState, step schema.StepDefinition, parallel bool) (string, error) {
	if step.Prompt != "" {
		return expressions.RenderPrompt(step.Prompt, expressions.NewPromptScope(st))
	}

	var b strings.Builder
	b.WriteString(st.Input)
	if !parallel {
		for _, r := range st.StepResults {
			if !r.Success || r.Skipped || r.Output == "" {
				continue
			}
			name := r.AgentName
			if name == "" {
				name = e.agents.Name(r.AgentID)
			}
			fmt.Fprintf(&b, "\n\n[%s]: %s", name, r.Output)
		}
	}
	if step.ContextQuery != "" {
		sel, err := e.eval.SelectContext(ctx, step.ContextQuery, st.Context)
		if err != nil {
			return "", err
		}
		if sel != "" {
			b.WriteString("\n\nContext:\n")
			b.WriteString(sel)
		}
	}
	return b.String(), nil
}

func (e *executorImpl) chunkPublisher(ctx context.Context, workflowID string, defIdx int, agentID string) func(string) {
	if e.hub == nil {
		return nil
	}
	return func(chunk string) {
		idx := defIdx
		_ = e.hub.Publish(ctx, streaming.StreamEvent{
			WorkflowID: workflowID,
			StepIndex:  &idx,
			AgentID:    agentID,
			Type:       streaming.EventAgentChunk,
			Payload:    map[string]string{"chunk": chunk},
			Timestamp:  time.Now().UTC(),
		})
	}
}

// record persists a step result, merging successful output into the context
// first so the step snapshot carries it.
func (e *executorImpl) record(ctx context.Context, run *workflowRun, res schema.StepResult) error {
	st, err := e.states.GetState(run.workflowID)
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		return errStopped
	}
	if res.Success && !res.Skipped {
		partial := map[string]any{
			ContextLastOutput: res.Output,
			ContextLastAgent:  res.AgentID,
		}
		if key := st.Definition.Steps[res.DefinitionIndex].OutputKey; key != "" {
			partial[key] = res.Output
		}
		if _, err := e.states.UpdateContext(ctx, run.workflowID, partial); err != nil {
			return err
		}
	}
	if _, err := e.states.AddStepResult(ctx, run.workflowID, res); err != nil {
		return err
	}
	run.notify(res)
	return nil
}

// applyRecovery applies the step's recovery strategy to a recorded failure. A retry
// of an error that cannot succeed on a second attempt is treated as abort.
// The returned delay is the backoff to honour before a retry.
func (e *executorImpl) applyRecovery(ctx context.Context, run *workflowRun, def schema.WorkflowDefinition, failed schema.StepResult, stepErr error) (schema.RecoveryResult, time.Duration, error) {
	strategy := def.RecoveryFor(def.Steps[failed.DefinitionIndex], run.recovery)
	if strategy.Kind == schema.RecoveryRetry && !IsRetryableError(stepErr) {
		e.logger.InfoContext(ctx, "error is not retryable, aborting",
			slog.Int("step_index", failed.StepIndex), slog.String("code", schema.CodeOf(stepErr)))
		strategy = schema.RecoveryStrategy{Kind: schema.RecoveryAbort}
	}

	verdict, err := e.rollback.RecoverFromError(ctx, run.workflowID, failed, strategy)
	if err != nil {
		return verdict, 0, err
	}
	if !verdict.Recovered {
		e.approvals.ClearWorkflowApprovals(ctx, run.workflowID)
		return verdict, 0, nil
	}

	var delay time.Duration
	switch verdict.Action {
	case schema.ActionSkip:
		if verdict.State != nil && len(verdict.State.StepResults) > 0 {
			run.notify(verdict.State.StepResults[len(verdict.State.StepResults)-1])
		}
	case schema.ActionRetry:
		delay = ComputeBackoff(strategy, verdict.Attempt-1)
		e.emit(ctx, schema.NewEvent(run.workflowID, schema.EventStepRetrying, map[string]any{
			"definition_index": failed.DefinitionIndex,
			"attempt":          verdict.Attempt + 1,
			"delay":            delay.String(),
		}).AtStep(failed.StepIndex, failed.AgentID))
	}
	return verdict, delay, nil
}

// complete moves the workflow to completed. It reports false without error
// when the workflow is paused or otherwise not completable right now.
func (e *executorImpl) complete(ctx context.Context, workflowID string) (bool, error) {
	if _, err := e.states.UpdateStatus(ctx, workflowID, schema.WorkflowStatusCompleted); err != nil {
		if schema.CodeOf(err) == schema.ErrCodeInvalidTransition {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// waitWhilePaused returns the current state once the workflow is not paused.
func (e *executorImpl) waitWhilePaused(ctx context.Context, workflowID string) (*schema.WorkflowState, error) {
	for {
		ch, unsubscribe, err := e.states.Subscribe(workflowID)
		if err != nil {
			return nil, err
		}
		st, err := e.states.GetState(workflowID)
		if err != nil || st.Status != schema.WorkflowStatusPaused {
			unsubscribe()
			return st, err
		}
		select {
		case <-ch:
			unsubscribe()
		case <-ctx.Done():
			unsubscribe()
			return nil, ctx.Err()
		}
	}
}
