package agent

import (
	"sync"
	"time"

	"github.com/rendis/crewflow/pkg/schema"
)

// CircuitState represents the state of an agent's circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls flow
	CircuitOpen                         // calls rejected until cooldown
	CircuitHalfOpen                     // probing
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures every per-agent breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// Cooldown is how long an open circuit rejects calls before probing.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
	// HalfOpenMax is the number of probe calls allowed while half-open.
	HalfOpenMax int `json:"half_open_max" yaml:"half_open_max"`
}

// DefaultBreakerConfig returns the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	probes              int
}

// Breakers holds one circuit breaker per agent id.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates an empty set. Zero config fields take the defaults.
func NewBreakers(config BreakerConfig) *Breakers {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	return &Breakers{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow reports whether a call to agentID may proceed. It returns a
// CIRCUIT_OPEN error while the circuit is open or the half-open probe budget
// is spent.
func (b *Breakers) Allow(agentID string) error {
	cb := b.get(agentID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		remaining := b.config.Cooldown - b.now().Sub(cb.openedAt)
		if remaining <= 0 {
			cb.state = CircuitHalfOpen
			cb.probes = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for agent %q after %d consecutive failures", agentID, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"agent_id":             agentID,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   remaining.String(),
			})
	case CircuitHalfOpen:
		if cb.probes >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for agent %q: probe in flight", agentID)
		}
		cb.probes++
	}
	return nil
}

// Success closes the circuit for agentID.
func (b *Breakers) Success(agentID string) {
	cb := b.get(agentID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.probes = 0
	cb.state = CircuitClosed
}

// Failure records a failed call and returns the resulting state. Any failure
// while half-open reopens the circuit.
func (b *Breakers) Failure(agentID string) CircuitState {
	cb := b.get(agentID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= b.config.FailureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = b.now()
	}
	return cb.state
}

// Release returns an unused half-open probe, for calls abandoned by their
// caller before the agent answered.
func (b *Breakers) Release(agentID string) {
	cb := b.get(agentID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen && cb.probes > 0 {
		cb.probes--
	}
}

// State returns the current state for agentID, moving an open circuit whose
// cooldown elapsed to half-open.
func (b *Breakers) State(agentID string) CircuitState {
	cb := b.get(agentID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && b.now().Sub(cb.openedAt) >= b.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.probes = 0
	}
	return cb.state
}

// States returns the state name of every agent seen so far.
func (b *Breakers) States() map[string]string {
	b.mu.Lock()
	ids := make([]string, 0, len(b.breakers))
	for id := range b.breakers {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	out := make(map[string]string, len(ids))
	for _, id := range ids {
		out[id] = b.State(id).String()
	}
	return out
}

func (b *Breakers) get(agentID string) *breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[agentID]
	if !ok {
		cb = &breaker{state: CircuitClosed}
		b.breakers[agentID] = cb
	}
	return cb
}
