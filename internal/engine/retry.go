package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rendis/crewflow/pkg/schema"
)

// IsRetryableError classifies whether a failed agent invocation is worth a
// retry. Cancellation never is; structured errors decide by code; network
// errors and deadline expiry are; anything else defaults to retryable and is
// bounded by the strategy's attempt count.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var se *schema.Error
	if errors.As(err, &se) {
		return se.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return true
}

// ComputeBackoff returns the delay before retry number attempt (0-based).
// Supports none, constant, linear and exponential backoff with an optional
// max_delay cap. An unset or unparsable delay means no wait.
func ComputeBackoff(strategy schema.RecoveryStrategy, attempt int) time.Duration {
	if strategy.Delay == "" || strategy.Backoff == "none" {
		return 0
	}

	base, err := time.ParseDuration(strategy.Delay)
	if err != nil || base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	var delay time.Duration
	switch strategy.Backoff {
	case "exponential":
		delay = base
		for i := 0; i < attempt && delay < time.Hour; i++ {
			delay *= 2
		}
	case "linear":
		delay = base * time.Duration(attempt+1)
	default: // "constant" or empty
		delay = base
	}

	if strategy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(strategy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// WaitForBackoff sleeps for delay or returns ctx.Err() if the context ends first.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
