package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crewflow/internal/agent"
	"github.com/rendis/crewflow/pkg/schema"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := loadConfig("", envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
	assert.Equal(t, ":4100", cfg.ListenAddr)
	assert.Equal(t, 8, cfg.MaxConcurrency)
	assert.Equal(t, backendMemory, cfg.RunLog.Backend)
}

func TestLoadConfig_FileAndEnvLayers(t *testing.T) {
	path := writeFile(t, "crewflow.yaml", `
listen_addr: ":9000"
log_level: debug
max_concurrency: 3
approval_timeout: 5m
default_recovery:
  kind: retry
  max_attempts: 2
run_log:
  backend: libsql
  dsn: file:runs.db
janitor:
  schedule: "@hourly"
  event_retention: 48h
breaker:
  failure_threshold: 2
  cooldown: 10s
agents:
  - id: researcher
    name: Researcher
    endpoint: http://localhost:8081/invoke
    rate_limit: 2
`)

	cfg, err := loadConfig(path, envMap(map[string]string{
		"CREWFLOW_MAX_CONCURRENCY": "12",
		"CREWFLOW_STATE_RETENTION": "2h",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 12, cfg.MaxConcurrency)
	assert.Equal(t, 5*time.Minute, cfg.ApprovalTimeout)
	require.NotNil(t, cfg.DefaultRecovery)
	assert.Equal(t, schema.RecoveryRetry, cfg.DefaultRecovery.Kind)
	assert.Equal(t, RunLogConfig{Backend: backendLibSQL, DSN: "file:runs.db"}, cfg.RunLog)
	assert.Equal(t, "@hourly", cfg.Janitor.Schedule)
	assert.Equal(t, 48*time.Hour, cfg.Janitor.EventRetention)
	assert.Equal(t, 2*time.Hour, cfg.Janitor.StateRetention)
	assert.Equal(t, 2, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.Breaker.Cooldown)
	assert.Equal(t, 1, cfg.Breaker.HalfOpenMax, "unset keys keep their default")
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, agent.Agent{ID: "researcher", Name: "Researcher", Endpoint: "http://localhost:8081/invoke", RateLimit: 2}, cfg.Agents[0])
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		env     map[string]string
		wantErr string
	}{
		{"unknown key", "colour: blue\n", nil, "colour"},
		{"bad duration", "approval_timeout: soon\n", nil, "soon"},
		{"bad env number", "", map[string]string{"CREWFLOW_MAX_CONCURRENCY": "many"}, "CREWFLOW_MAX_CONCURRENCY"},
		{"bad env duration", "", map[string]string{"CREWFLOW_EVENT_RETENTION": "1 week"}, "CREWFLOW_EVENT_RETENTION"},
		{"zero concurrency", "max_concurrency: 0\n", nil, "max_concurrency"},
		{"libsql without dsn", "run_log: {backend: libsql}\n", nil, "run_log.dsn"},
		{"redis without addr", "", map[string]string{"CREWFLOW_RUNLOG_BACKEND": "redis"}, "run_log.redis_addr"},
		{"unknown backend", "run_log: {backend: etcd}\n", nil, "etcd"},
		{"bad recovery", "default_recovery: {kind: pray}\n", nil, "pray"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, "crewflow.yaml", tc.file)
			_, err := loadConfig(path, envMap(tc.env))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"), envMap(nil))
	assert.Error(t, err)
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	cfg, err := loadConfig(writeFile(t, "crewflow.yaml", ""), envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()

	d := diffConfigs(old, old)
	assert.False(t, d.LogLevelChanged)
	assert.Empty(t, d.RestartNeeded)

	next := defaultConfig()
	next.LogLevel = "debug"
	next.ListenAddr = ":5000"
	next.RunLog.Backend = backendRedis
	next.Agents = []agent.Agent{{ID: "writer"}}
	d = diffConfigs(old, next)
	assert.True(t, d.LogLevelChanged)
	assert.Equal(t, []string{"listen_addr", "run_log", "agents"}, d.RestartNeeded)
}

func TestLoadConfig_OpensSealedValues(t *testing.T) {
	env := map[string]string{"CREWFLOW_MASTER_KEY": "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="}
	s, err := sealerFromEnv(envMap(env))
	require.NoError(t, err)
	token, err := s.Seal("Bearer sk-123")
	require.NoError(t, err)
	dsn, err := s.Seal("libsql://db.example.io?authToken=abc")
	require.NoError(t, err)

	path := writeFile(t, "crewflow.yaml", `
run_log:
  backend: libsql
  dsn: "`+dsn+`"
agents:
  - id: writer
    endpoint: http://localhost:8081/invoke
    headers:
      Authorization: "`+token+`"
      X-Team: docs
`)

	cfg, err := loadConfig(path, envMap(env))
	require.NoError(t, err)
	assert.Equal(t, "libsql://db.example.io?authToken=abc", cfg.RunLog.DSN)
	assert.Equal(t, map[string]string{"Authorization": "Bearer sk-123", "X-Team": "docs"}, cfg.Agents[0].Headers)

	_, err = loadConfig(path, envMap(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CREWFLOW_MASTER_KEY or CREWFLOW_SECRET_KEY")

	_, err = loadConfig(path, envMap(map[string]string{"CREWFLOW_SECRET_KEY": "passphrase"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run_log.dsn")
}

func TestLoadConfig_PlainValuesNeedNoKey(t *testing.T) {
	path := writeFile(t, "crewflow.yaml", "agents:\n  - id: writer\n    headers: {Authorization: Bearer plain}\n")
	cfg, err := loadConfig(path, envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, "Bearer plain", cfg.Agents[0].Headers["Authorization"])
}
