package resilience

import (
	"context"
	"fmt"
	"math"
	"time"
	
	"github.com/nexus-proxy/nexus/core"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	JitterEnabled   bool
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry executes a function with retry logic
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	return RetryIf(ctx, config, func(error) bool { return true }, fn)
}

// RetryIf executes fn with retry logic, consulting retryable to decide
// whether a failure is worth another attempt. A non-retryable error is
// returned immediately, unwrapped, without consuming further attempts.
func RetryIf(ctx context.Context, config *RetryConfig, retryable func(error) bool, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay
	
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		// Check context
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		
		// Try the function
		if err := fn(); err == nil {
			return nil
		} else if !retryable(err) {
			return err
		} else {
			lastErr = err
		}

		// Don't sleep after the last attempt
		if attempt == config.MaxAttempts {
			break
		}
		
		// Calculate next delay with exponential backoff
		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}
		
		// Add a deterministic offset of up to ±10% (0.1*sin(attempt)) if
		// enabled. It depends only on the attempt number, so every caller
		// gets the same schedule, and it carries into the next base delay.
		if config.JitterEnabled {
			jitter := time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt)))
			delay += jitter
		}
		
		// Sleep with context cancellation
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	
	// Wrap both sentinels: callers match core.ErrMaxRetriesExceeded to
	// detect exhaustion and still reach the last attempt's error for
	// status mapping.
	return fmt.Errorf("max retry attempts (%d) exceeded: %w: %w", config.MaxAttempts, core.ErrMaxRetriesExceeded, lastErr)
}

// RetryWithCircuitBreaker combines retry logic with a per-backend circuit
// breaker: each attempt goes through cb.Execute, so a backend that trips
// the breaker mid-retry fails the remaining attempts fast instead of
// hammering a dead socket.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		return cb.Execute(ctx, fn)
	})
}