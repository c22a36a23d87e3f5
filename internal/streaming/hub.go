// Package streaming fans workflow events out to live subscribers such as the
// SSE endpoints. Delivery is best effort; the run log is the durable record.
package streaming

import (
	"context"
	"time"

	"github.com/rendis/crewflow/pkg/schema"
)

// EventAgentChunk carries a streamed fragment of an agent reply. Chunks are
// never written to the run log.
const EventAgentChunk = "agent_chunk"

// StreamEvent is a real-time event emitted during workflow execution.
type StreamEvent struct {
	WorkflowID string    `json:"workflow_id"`
	StepIndex  *int      `json:"step_index,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Type       string    `json:"type"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// FromEvent converts a run log event into a stream event.
func FromEvent(ev *schema.Event) StreamEvent {
	se := StreamEvent{
		WorkflowID: ev.WorkflowID,
		StepIndex:  ev.StepIndex,
		AgentID:    ev.AgentID,
		Type:       ev.Type,
		Timestamp:  ev.Timestamp,
	}
	if len(ev.Payload) > 0 {
		se.Payload = ev.Payload
	}
	return se
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	WorkflowID string   `json:"workflow_id,omitempty"`
	Types      []string `json:"types,omitempty"`
}

// EventHub provides pub/sub for real-time workflow events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
