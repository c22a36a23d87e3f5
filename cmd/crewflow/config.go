package main

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/crewflow/internal/agent"
	"github.com/rendis/crewflow/internal/scheduler"
	"github.com/rendis/crewflow/internal/secrets"
	"github.com/rendis/crewflow/pkg/schema"
)

// defaultConfigFile is read from the working directory when --config is not given.
const defaultConfigFile = "crewflow.yaml"

// Run log backends.
const (
	backendMemory = "memory"
	backendLibSQL = "libsql"
	backendRedis  = "redis"
)

// Config holds all crewflow configuration.
// Priority: CREWFLOW_* env vars > crewflow.yaml > defaults.
type Config struct {
	ListenAddr        string                   `yaml:"listen_addr"`
	LogLevel          string                   `yaml:"log_level"`
	MaxConcurrency    int                      `yaml:"max_concurrency"`
	ApprovalTimeout   time.Duration            `yaml:"approval_timeout"`
	SnapshotRetention int                      `yaml:"snapshot_retention"`
	DefaultRecovery   *schema.RecoveryStrategy `yaml:"default_recovery,omitempty"`
	RunLog            RunLogConfig             `yaml:"run_log"`
	Janitor           JanitorConfig            `yaml:"janitor"`
	Breaker           agent.BreakerConfig      `yaml:"breaker"`
	Agents            []agent.Agent            `yaml:"agents"`
}

// RunLogConfig selects where run log events are kept.
type RunLogConfig struct {
	Backend     string `yaml:"backend"` // memory | libsql | redis
	DSN         string `yaml:"dsn"`     // libsql, e.g. file:crewflow.db
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// JanitorConfig controls retention. Zero retentions keep everything.
type JanitorConfig struct {
	Schedule       string        `yaml:"schedule"`
	EventRetention time.Duration `yaml:"event_retention"`
	StateRetention time.Duration `yaml:"state_retention"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:        ":4100",
		LogLevel:          "info",
		MaxConcurrency:    8,
		ApprovalTimeout:   30 * time.Minute,
		SnapshotRetention: 64,
		RunLog:            RunLogConfig{Backend: backendMemory},
		Janitor: JanitorConfig{
			Schedule:       scheduler.DefaultSchedule,
			EventRetention: 7 * 24 * time.Hour,
			StateRetention: 24 * time.Hour,
		},
		Breaker: agent.DefaultBreakerConfig(),
	}
}

// loadConfig layers the file at path (or crewflow.yaml when path is empty and
// the file exists) and then the environment over the defaults.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decodeConfig(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := openSecrets(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeConfig(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("CREWFLOW_LISTEN_ADDR", &cfg.ListenAddr)
	str("CREWFLOW_LOG_LEVEL", &cfg.LogLevel)
	str("CREWFLOW_RUNLOG_BACKEND", &cfg.RunLog.Backend)
	str("CREWFLOW_RUNLOG_DSN", &cfg.RunLog.DSN)
	str("CREWFLOW_REDIS_ADDR", &cfg.RunLog.RedisAddr)
	str("CREWFLOW_REDIS_PREFIX", &cfg.RunLog.RedisPrefix)
	str("CREWFLOW_JANITOR_SCHEDULE", &cfg.Janitor.Schedule)

	return errors.Join(
		num("CREWFLOW_MAX_CONCURRENCY", &cfg.MaxConcurrency),
		num("CREWFLOW_SNAPSHOT_RETENTION", &cfg.SnapshotRetention),
		dur("CREWFLOW_APPROVAL_TIMEOUT", &cfg.ApprovalTimeout),
		dur("CREWFLOW_EVENT_RETENTION", &cfg.Janitor.EventRetention),
		dur("CREWFLOW_STATE_RETENTION", &cfg.Janitor.StateRetention),
	)
}

// sealerFromEnv builds a sealer from CREWFLOW_MASTER_KEY (32 bytes, std
// base64) or, failing that, the CREWFLOW_SECRET_KEY passphrase.
func sealerFromEnv(getenv func(string) string) (*secrets.Sealer, error) {
	if v := getenv("CREWFLOW_MASTER_KEY"); v != "" {
		key, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("CREWFLOW_MASTER_KEY: %w", err)
		}
		return secrets.NewSealer(secrets.KeyConfig{MasterKey: key})
	}
	if v := getenv("CREWFLOW_SECRET_KEY"); v != "" {
		return secrets.NewSealer(secrets.KeyConfig{Passphrase: v})
	}
	return nil, errors.New("sealed values need CREWFLOW_MASTER_KEY or CREWFLOW_SECRET_KEY")
}

// openSecrets decrypts sealed agent headers and the run log DSN in place.
// The sealer is only built when a sealed value is present.
func openSecrets(cfg *Config, getenv func(string) string) error {
	var s *secrets.Sealer
	open := func(where, v string) (string, error) {
		if !secrets.IsSealed(v) {
			return v, nil
		}
		if s == nil {
			var err error
			if s, err = sealerFromEnv(getenv); err != nil {
				return "", fmt.Errorf("%s: %w", where, err)
			}
		}
		plain, err := s.Open(v)
		if err != nil {
			return "", fmt.Errorf("%s: %w", where, err)
		}
		return plain, nil
	}

	dsn, err := open("run_log.dsn", cfg.RunLog.DSN)
	if err != nil {
		return err
	}
	cfg.RunLog.DSN = dsn
	for _, a := range cfg.Agents {
		for k, v := range a.Headers {
			plain, err := open(fmt.Sprintf("agent %q header %q", a.ID, k), v)
			if err != nil {
				return err
			}
			a.Headers[k] = plain
		}
	}
	return nil
}

func (c Config) validate() error {
	var errs []error
	if c.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("max_concurrency must be at least 1, got %d", c.MaxConcurrency))
	}
	if c.ApprovalTimeout <= 0 {
		errs = append(errs, fmt.Errorf("approval_timeout must be positive"))
	}
	if c.SnapshotRetention < 0 {
		errs = append(errs, fmt.Errorf("snapshot_retention must not be negative"))
	}
	switch c.RunLog.Backend {
	case backendMemory:
	case backendLibSQL:
		if c.RunLog.DSN == "" {
			errs = append(errs, fmt.Errorf("run_log.dsn is required for the libsql backend"))
		}
	case backendRedis:
		if c.RunLog.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("run_log.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown run_log.backend %q", c.RunLog.Backend))
	}
	if c.DefaultRecovery != nil && !c.DefaultRecovery.Kind.Valid() {
		errs = append(errs, fmt.Errorf("unknown default_recovery.kind %q", c.DefaultRecovery.Kind))
	}
	return errors.Join(errs...)
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields only read at startup
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.MaxConcurrency != new.MaxConcurrency {
		d.RestartNeeded = append(d.RestartNeeded, "max_concurrency")
	}
	if old.RunLog != new.RunLog {
		d.RestartNeeded = append(d.RestartNeeded, "run_log")
	}
	if old.Janitor != new.Janitor {
		d.RestartNeeded = append(d.RestartNeeded, "janitor")
	}
	if !reflect.DeepEqual(old.Agents, new.Agents) {
		d.RestartNeeded = append(d.RestartNeeded, "agents")
	}
	return d
}
