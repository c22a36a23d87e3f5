package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/rendis/crewflow/internal/engine"
	"github.com/rendis/crewflow/internal/streaming"
	"github.com/rendis/crewflow/pkg/schema"
)

// SSE event names on the execute stream.
const (
	sseStep  = "step"
	sseChunk = "chunk"
	sseDone  = "done"
	sseError = "error"
)

// handleExecute runs a workflow to completion and returns its summary. A run
// that ends failed still answers 200; the summary carries the error.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var run engine.Run
	if err := decodeBody(r, &run); err != nil {
		writeError(w, err)
		return
	}
	sum, err := s.deps.Executor.Execute(r.Context(), run)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// handleExecuteStream runs a workflow while streaming each recorded step
// result and agent chunk, then a final done or error event. The run is bound
// to the request: a client disconnect cancels it.
func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	var run engine.Run
	if err := decodeBody(r, &run); err != nil {
		writeError(w, err)
		return
	}
	if run.WorkflowID == "" {
		run.WorkflowID = uuid.NewString()
	}

	ctx := r.Context()
	chunks, unsubscribe, err := s.deps.Hub.Subscribe(ctx, streaming.EventFilter{
		WorkflowID: run.WorkflowID,
		Types:      []string{streaming.EventAgentChunk},
	})
	if err != nil {
		writeError(w, err)
		return
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		unsubscribe()
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for ev := range chunks {
			sw.send(sseChunk, ev)
		}
	}()

	sum, err := s.deps.Executor.ExecuteWithCallbacks(ctx, run, func(res schema.StepResult) {
		sw.send(sseStep, res)
	})

	unsubscribe()
	<-forwarded

	if err != nil {
		var sErr *schema.Error
		if !errors.As(err, &sErr) {
			sErr = schema.NewError("INTERNAL", err.Error())
		}
		sw.send(sseError, errorBody{Error: sErr})
		return
	}
	sw.send(sseDone, sum)
}
