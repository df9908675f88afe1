package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/tierflow/tierflow/core"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig returns the standard policy: 4 attempts, 200ms
// initial delay doubling up to 8s, with jitter.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   4,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      8 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// RetryConfigFrom builds a RetryConfig from the resilience section of
// the loaded configuration
func RetryConfigFrom(rc core.ResilienceConfig) *RetryConfig {
	cfg := DefaultRetryConfig()
	if rc.RetryMaxAttempts > 0 {
		cfg.MaxAttempts = rc.RetryMaxAttempts
	}
	if rc.RetryInitialMs > 0 {
		cfg.InitialDelay = rc.RetryInitial()
	}
	if rc.RetryMaxMs > 0 {
		cfg.MaxDelay = rc.RetryMax()
	}
	return cfg
}

// Retry executes fn with exponential backoff. Only errors the
// retryable predicate accepts are retried; everything else surfaces
// immediately. Backoff sleeps honor ctx cancellation.
func Retry(ctx context.Context, config *RetryConfig, retryable func(error) bool, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if retryable == nil {
		retryable = core.IsTransient
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err

		if attempt == config.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		// Jitter spreads synchronized retries across clients
		sleep := delay
		if config.JitterEnabled {
			sleep += time.Duration(rand.Int63n(int64(delay)/4 + 1))
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w", config.MaxAttempts, lastErr)
}
