package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rendis/crewflow/internal/engine"
	"github.com/rendis/crewflow/internal/streaming"
	"github.com/rendis/crewflow/internal/validation"
	"github.com/rendis/crewflow/pkg/schema"
)

// runLine is one JSON line written by the run command.
type runLine struct {
	Event   string             `json:"event"` // step | chunk | approval | done
	Step    *schema.StepResult `json:"step,omitempty"`
	Chunk   any                `json:"chunk,omitempty"`
	Gate    any                `json:"gate,omitempty"`
	Summary *engine.Summary    `json:"summary,omitempty"`
}

func (c *cli) runCmd() *cobra.Command {
	var (
		file     string
		input    string
		crewID   string
		crewName string
		id       string
		dryRun   bool
		chunks   bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a workflow definition and stream its step results as JSON lines",
		Long: "Execute a workflow definition and stream its step results as JSON lines.\n" +
			"Approval gates are auto-approved; use serve or mcp for human-in-the-loop runs.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			def, err := readDefinition(file)
			if err != nil {
				return err
			}
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger, appOptions{dryRun: dryRun})
			if err != nil {
				return err
			}
			defer a.close()

			var mu sync.Mutex
			enc := json.NewEncoder(c.stdout)
			emit := func(l runLine) {
				mu.Lock()
				defer mu.Unlock()
				_ = enc.Encode(l)
			}

			types := []string{schema.EventApprovalRequested}
			if chunks {
				types = append(types, streaming.EventAgentChunk)
			}
			run := engine.Run{WorkflowID: id, CrewID: crewID, CrewName: crewName, Definition: *def, Input: input}
			if run.WorkflowID == "" {
				run.WorkflowID = uuid.NewString()
			}
			events, unsubscribe, err := a.hub.Subscribe(ctx, streaming.EventFilter{WorkflowID: run.WorkflowID, Types: types})
			if err != nil {
				return err
			}
			forwarded := make(chan struct{})
			go func() {
				defer close(forwarded)
				for ev := range events {
					if ev.Type == streaming.EventAgentChunk {
						emit(runLine{Event: "chunk", Chunk: ev.Payload})
						continue
					}
					emit(runLine{Event: "approval", Gate: ev.Payload})
					if err := autoApprove(ctx, a, ev); err != nil {
						logger.Warn("auto-approve failed", "workflow_id", run.WorkflowID, "error", err)
					}
				}
			}()

			sum, err := a.executor.ExecuteWithCallbacks(ctx, run, func(res schema.StepResult) {
				emit(runLine{Event: "step", Step: &res})
			})
			unsubscribe()
			<-forwarded
			if err != nil {
				return err
			}
			emit(runLine{Event: "done", Summary: sum})
			if !sum.Success {
				return fmt.Errorf("workflow %s %s: %s", sum.WorkflowID, sum.Status, sum.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "workflow definition (YAML or JSON)")
	cmd.Flags().StringVarP(&input, "input", "i", "", "initial input for the first agent")
	cmd.Flags().StringVar(&crewID, "crew-id", "", "crew identifier")
	cmd.Flags().StringVar(&crewName, "crew-name", "", "crew display name")
	cmd.Flags().StringVar(&id, "workflow-id", "", "workflow ID (default: generated)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "use the local echo invoker instead of agent endpoints")
	cmd.Flags().BoolVar(&chunks, "chunks", false, "also stream agent reply chunks")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return validation.Decode(data)
}

// autoApprove approves the gate announced by ev.
func autoApprove(ctx context.Context, a *app, ev streaming.StreamEvent) error {
	raw, ok := ev.Payload.(json.RawMessage)
	if !ok {
		return fmt.Errorf("unexpected approval payload %T", ev.Payload)
	}
	var gate schema.ApprovalGate
	if err := json.Unmarshal(raw, &gate); err != nil {
		return err
	}
	return a.approvals.ProvideDecision(ctx, gate.GateID, schema.ApprovalDecision{
		Approved: true,
		Reason:   "auto-approved by crewflow run",
	})
}
