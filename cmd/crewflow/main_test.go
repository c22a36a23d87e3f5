package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
log_level: error
agents:
  - id: researcher
    name: Researcher
  - id: writer
    name: Writer
`

const testDefinition = `
type: sequential
steps:
  - agent_id: researcher
    step_index: 0
    name: research
  - agent_id: writer
    step_index: 1
    name: draft
    output_key: draft
    requires_approval: true
`

func newTestCLI() (*cli, *bytes.Buffer) {
	var out bytes.Buffer
	return &cli{
		stdout: &out,
		stderr: &bytes.Buffer{},
		getenv: envMap(nil),
		level:  new(slog.LevelVar),
	}, &out
}

func execute(t *testing.T, c *cli, args ...string) error {
	t.Helper()
	root := c.rootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func readLines(t *testing.T, out *bytes.Buffer) []runLine {
	t.Helper()
	var lines []runLine
	sc := bufio.NewScanner(out)
	for sc.Scan() {
		var l runLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l), sc.Text())
		lines = append(lines, l)
	}
	return lines
}

func TestRunCommand_DryRun(t *testing.T) {
	c, out := newTestCLI()
	cfgPath := writeFile(t, "crewflow.yaml", testConfig)
	defPath := writeFile(t, "post.yaml", testDefinition)

	err := execute(t, c, "run", "--config", cfgPath, "-f", defPath, "--input", "solar power", "--dry-run", "--workflow-id", "wf-cli")
	require.NoError(t, err)

	lines := readLines(t, out)
	var events []string
	for _, l := range lines {
		events = append(events, l.Event)
	}
	assert.Equal(t, []string{"step", "approval", "step", "done"}, events)

	assert.Equal(t, "Researcher: solar power", lines[0].Step.Output)
	done := lines[len(lines)-1].Summary
	require.NotNil(t, done)
	assert.Equal(t, "wf-cli", done.WorkflowID)
	assert.True(t, done.Success)
	assert.Len(t, done.StepResults, 2)
}

func TestRunCommand_Chunks(t *testing.T) {
	c, out := newTestCLI()
	cfgPath := writeFile(t, "crewflow.yaml", testConfig)
	defPath := writeFile(t, "one.yaml", "type: sequential\nsteps:\n  - agent_id: researcher\n    step_index: 0\n")

	require.NoError(t, execute(t, c, "run", "-c", cfgPath, "-f", defPath, "-i", "tidal energy", "--dry-run", "--chunks"))

	var chunks int
	for _, l := range readLines(t, out) {
		if l.Event == "chunk" {
			chunks++
		}
	}
	assert.Positive(t, chunks)
}

func TestRunCommand_InvalidDefinition(t *testing.T) {
	c, _ := newTestCLI()
	cfgPath := writeFile(t, "crewflow.yaml", testConfig)
	defPath := writeFile(t, "bad.yaml", "type: sequential\nsteps:\n  - agent_id: ghost\n    step_index: 0\n")

	err := execute(t, c, "run", "-c", cfgPath, "-f", defPath, "--dry-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VALIDATION")
}

func TestRunCommand_RequiresFile(t *testing.T) {
	c, _ := newTestCLI()
	err := execute(t, c, "run", "--dry-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file")
}

func TestValidateCommand(t *testing.T) {
	cfgPath := writeFile(t, "crewflow.yaml", testConfig)

	t.Run("valid", func(t *testing.T) {
		c, out := newTestCLI()
		require.NoError(t, execute(t, c, "validate", "-c", cfgPath, "-f", writeFile(t, "ok.yaml", testDefinition)))

		var report struct {
			Valid  bool              `json:"valid"`
			Errors []json.RawMessage `json:"errors"`
		}
		require.NoError(t, json.Unmarshal(out.Bytes(), &report))
		assert.True(t, report.Valid)
		assert.Empty(t, report.Errors)
	})

	t.Run("invalid", func(t *testing.T) {
		c, out := newTestCLI()
		def := strings.Replace(testDefinition, "agent_id: writer", "agent_id: ghost", 1)
		err := execute(t, c, "validate", "-c", cfgPath, "-f", writeFile(t, "bad.yaml", def))
		require.ErrorIs(t, err, errInvalid)
		assert.Contains(t, out.String(), `"valid": false`)
		assert.Contains(t, out.String(), "ghost")
	})
}

func TestDiagramCommand(t *testing.T) {
	defPath := writeFile(t, "post.yaml", testDefinition)

	c, out := newTestCLI()
	require.NoError(t, execute(t, c, "diagram", "-f", defPath))
	assert.Contains(t, out.String(), "graph TD")
	assert.Contains(t, out.String(), "gate_1 -->|approved| step_1")

	c, out = newTestCLI()
	require.NoError(t, execute(t, c, "diagram", "-f", defPath, "--format", "ascii"))
	assert.Contains(t, out.String(), "=== sequential workflow ===")
	assert.Contains(t, out.String(), "draft (writer)")

	c, _ = newTestCLI()
	assert.Error(t, execute(t, c, "diagram", "-f", defPath, "--format", "png"))
}

func TestSealCommand(t *testing.T) {
	env := map[string]string{"CREWFLOW_SECRET_KEY": "hunter2"}

	c, out := newTestCLI()
	c.getenv = envMap(env)
	require.NoError(t, execute(t, c, "seal", "sk-live-1"))
	sealed := strings.TrimSpace(out.String())
	assert.True(t, strings.HasPrefix(sealed, "enc:v1:"))

	s, err := sealerFromEnv(envMap(env))
	require.NoError(t, err)
	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-1", plain)

	c, out = newTestCLI()
	c.getenv = envMap(env)
	root := c.rootCmd()
	root.SetIn(strings.NewReader("from-stdin\n"))
	root.SetArgs([]string{"seal"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	plain, err = s.Open(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "from-stdin", plain)

	c, _ = newTestCLI()
	assert.ErrorContains(t, execute(t, c, "seal", "x"), "CREWFLOW_SECRET_KEY")
}

func TestServe(t *testing.T) {
	c, _ := newTestCLI()
	c.configPath = writeFile(t, "crewflow.yaml", testConfig)
	cfg, logger, err := c.load()
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.serve(ctx, cfg, logger, ln) }()

	base := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestReload_AppliesLogLevel(t *testing.T) {
	c, _ := newTestCLI()
	c.configPath = writeFile(t, "crewflow.yaml", "log_level: debug\n")
	old := defaultConfig()
	c.level.Set(slog.LevelInfo)

	next := c.reload(old, slog.New(slog.DiscardHandler))
	assert.Equal(t, "debug", next.LogLevel)
	assert.Equal(t, slog.LevelDebug, c.level.Level())

	c.configPath = writeFile(t, "crewflow.yaml", "max_concurrency: -1\n")
	kept := c.reload(next, slog.New(slog.DiscardHandler))
	assert.Equal(t, next, kept)
}
