package engine

import (
	"context"
	"time"

	"github.com/IncludeBrake/TractionBuild-sub002/pkg/schema"
)

// BackoffConfig shapes the delay between RECOVERY re-attempts.
type BackoffConfig struct {
	// Strategy is one of "none", "constant", "linear", "exponential".
	Strategy string
	// Base is the first delay. Zero disables waiting entirely.
	Base time.Duration
	// Max caps the computed delay. Zero means uncapped.
	Max time.Duration
}

// DefaultBackoff waits 2s, 4s, 8s... capped at a minute.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Strategy: "exponential",
		Base:     2 * time.Second,
		Max:      time.Minute,
	}
}

// ComputeBackoff calculates the delay before re-attempt number attempt
// (zero-based: the first retry is attempt 0).
func ComputeBackoff(cfg BackoffConfig, attempt int) time.Duration {
	if cfg.Base <= 0 {
		return 0
	}

	var delay time.Duration
	switch cfg.Strategy {
	case "exponential":
		delay = cfg.Base
		for i := 0; i < attempt; i++ {
			delay *= 2
			if cfg.Max > 0 && delay >= cfg.Max {
				delay = cfg.Max
				break
			}
		}
	case "linear":
		delay = cfg.Base * time.Duration(attempt+1)
	case "constant":
		delay = cfg.Base
	default: // "none" or unrecognized
		return 0
	}

	if cfg.Max > 0 && delay > cfg.Max {
		delay = cfg.Max
	}
	return delay
}

// WaitForBackoff sleeps for the delay or returns early when the context
// is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retryable reports whether a failure envelope is eligible for another
// attempt within the phase's retry budget.
func Retryable(result *schema.ExecutionResult) bool {
	return result != nil &&
		result.Status == schema.StatusError &&
		result.ErrorCategory == schema.CategoryTransient
}
