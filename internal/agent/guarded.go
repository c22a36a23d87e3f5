package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/rendis/crewflow/internal/logging"
	"github.com/rendis/crewflow/internal/metrics"
	"github.com/rendis/crewflow/pkg/schema"
)

// Guarded wraps an Invoker with a per-agent circuit breaker and a per-agent
// token bucket. Agents without a rate_limit in the registry are unlimited.
type Guarded struct {
	next     Invoker
	registry *Registry
	breakers *Breakers
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewGuarded decorates next.
func NewGuarded(next Invoker, registry *Registry, breakers *Breakers, m *metrics.Metrics, logger *slog.Logger) *Guarded {
	if breakers == nil {
		breakers = NewBreakers(DefaultBreakerConfig())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guarded{
		next:     next,
		registry: registry,
		breakers: breakers,
		metrics:  m,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Breakers exposes the breaker set for status reporting.
func (g *Guarded) Breakers() *Breakers { return g.breakers }

// Invoke checks the breaker, waits for a rate token, then calls the wrapped
// invoker. Cancellation by the caller is not counted against the agent.
func (g *Guarded) Invoke(ctx context.Context, agentID, prompt string, onChunk func(string)) (string, error) {
	if err := g.breakers.Allow(agentID); err != nil {
		g.metrics.CircuitOpen(agentID)
		return "", err
	}

	if lim := g.limiter(agentID); lim != nil {
		if !lim.Allow() {
			g.metrics.RateLimited(agentID)
			if err := lim.Wait(ctx); err != nil {
				g.breakers.Release(agentID)
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				return "", schema.NewErrorf(schema.ErrCodeRateLimited,
					"agent %q rate limited: %s", agentID, err.Error()).WithCause(err)
			}
		}
	}

	out, err := g.next.Invoke(ctx, agentID, prompt, onChunk)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			g.breakers.Release(agentID)
			return "", err
		}
		if g.breakers.Failure(agentID) == CircuitOpen {
			logging.LogWith(ctx, g.logger).Warn("agent circuit opened", "agent", agentID, "error", err)
		}
		return "", err
	}
	g.breakers.Success(agentID)
	return out, nil
}

func (g *Guarded) limiter(agentID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	if lim, ok := g.limiters[agentID]; ok {
		return lim
	}
	var lim *rate.Limiter
	if g.registry != nil {
		if a, err := g.registry.Get(agentID); err == nil && a.RateLimit > 0 {
			burst := a.Burst
			if burst <= 0 {
				burst = 1
			}
			lim = rate.NewLimiter(rate.Limit(a.RateLimit), burst)
		}
	}
	g.limiters[agentID] = lim
	return lim
}
