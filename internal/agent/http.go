package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/crewflow/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultAgentTimeout    = 5 * time.Minute
)

// HTTPConfig configures the HTTP invoker.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Client          *http.Client
}

// HTTPInvoker calls agents that expose an HTTP endpoint. The request body is
// {"agent_id", "model", "prompt", "stream"}. A text/event-stream response is
// read as server-sent events; anything else as a single reply.
type HTTPInvoker struct {
	registry *Registry
	config   HTTPConfig
}

// NewHTTPInvoker creates an invoker resolving endpoints through registry.
func NewHTTPInvoker(registry *Registry, cfg HTTPConfig) *HTTPInvoker {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultAgentTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &HTTPInvoker{registry: registry, config: cfg}
}

type invokeRequest struct {
	AgentID string `json:"agent_id"`
	Model   string `json:"model,omitempty"`
	Prompt  string `json:"prompt"`
	Stream  bool   `json:"stream"`
}

// Invoke posts the prompt to the agent's endpoint.
func (h *HTTPInvoker) Invoke(ctx context.Context, agentID, prompt string, onChunk func(string)) (string, error) {
	a, err := h.registry.Get(agentID)
	if err != nil {
		return "", err
	}
	if a.Endpoint == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "agent %q has no endpoint", agentID)
	}

	timeout := h.config.DefaultTimeout
	if a.Timeout != "" {
		if d, err := time.ParseDuration(a.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(invokeRequest{AgentID: agentID, Model: a.Model, Prompt: prompt, Stream: onChunk != nil})
	if err != nil {
		return "", fmt.Errorf("encode agent request: %w", err)
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "agent %q: invalid endpoint %q", agentID, a.Endpoint).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if onChunk != nil {
		req.Header.Set("Accept", "text/event-stream, application/json")
	}
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.config.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if reqCtx.Err() != nil {
			return "", schema.NewErrorf(schema.ErrCodeTimeout, "agent %q did not answer within %s", agentID, timeout).WithCause(err)
		}
		return "", invocationError(agentID, "request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, h.config.MaxResponseBody)

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(limited, 512))
		return "", invocationError(agentID, "agent returned %d", resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": string(snippet)})
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readEventStream(limited, onChunk, agentID)
	}

	raw, err := io.ReadAll(limited)
	if err != nil {
		return "", invocationError(agentID, "read response: %v", err).WithCause(err)
	}
	out := extractText(raw)
	if onChunk != nil && out != "" {
		onChunk(out)
	}
	return out, nil
}

// readEventStream concatenates the data payload of every event until EOF or
// a "[DONE]" sentinel, forwarding each payload to onChunk.
func readEventStream(r io.Reader, onChunk func(string), agentID string) (string, error) {
	var out strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var data []string
	flush := func() {
		if len(data) == 0 {
			return
		}
		chunk := extractText([]byte(strings.Join(data, "\n")))
		data = data[:0]
		if chunk == "" {
			return
		}
		out.WriteString(chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if payload == "[DONE]" {
				flush()
				return out.String(), nil
			}
			data = append(data, payload)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", invocationError(agentID, "read event stream: %v", err).WithCause(err)
	}
	flush()
	return out.String(), nil
}

// extractText pulls the reply out of a JSON object ("output", "text",
// "content" or "delta"), falling back to the raw body.
func extractText(raw []byte) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return string(raw)
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return string(raw)
	}
	for _, key := range []string{"output", "text", "content", "delta"} {
		if s, ok := obj[key].(string); ok {
			return s
		}
	}
	return string(raw)
}

func invocationError(agentID, format string, args ...any) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeAgentInvocationFailed, "agent %q: "+format, append([]any{agentID}, args...)...)
}
