// Package retry provides generic retry logic with exponential backoff for transient failures.
// It uses Go generics for type-safe retry operations and respects context cancellation.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMaxAttempts is wrapped around the last error when every attempt failed.
var ErrMaxAttempts = errors.New("retry: max attempts exceeded")

// Config holds retry configuration.
type Config struct {
	MaxAttempts  int           `yaml:"maxAttempts"`  // Maximum number of attempts (including initial attempt)
	InitialDelay time.Duration `yaml:"initialDelay"` // Initial delay between retries
	MaxDelay     time.Duration `yaml:"maxDelay"`     // Maximum delay between retries
	Multiplier   float64       `yaml:"multiplier"`   // Multiplier for exponential backoff

	// OnRetry, when set, is called before sleeping with the 1-based number of
	// the attempt that failed.
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-"`
}

// DefaultConfig is the policy used for pre-broadcast settlement attempts.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 250 * time.Millisecond,
	MaxDelay:     4 * time.Second,
	Multiplier:   2.0,
}

// Validate ensures the policy can make progress.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("retry: max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.InitialDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("retry: delays cannot be negative")
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("retry: multiplier must be >= 1, got %v", c.Multiplier)
	}
	return nil
}

// IsRetryable determines if an error should trigger a retry.
type IsRetryable func(error) bool

// WithRetry executes fn until it succeeds, returns a non-retryable error, the
// attempt cap is reached, or ctx is done. Exhausting the cap wraps the last
// error with ErrMaxAttempts; a done context wraps ctx.Err() and the last error.
func WithRetry[T any](
	ctx context.Context,
	config Config,
	isRetryable IsRetryable,
	fn func() (T, error),
) (T, error) {
	var zero T
	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, interrupted(err, lastErr)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}
		if attempt == config.MaxAttempts {
			break
		}

		if config.OnRetry != nil {
			config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, interrupted(ctx.Err(), lastErr)
		}

		delay = time.Duration(float64(delay) * config.Multiplier)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrMaxAttempts, config.MaxAttempts, lastErr)
}

func interrupted(ctxErr, lastErr error) error {
	if lastErr == nil {
		return fmt.Errorf("context cancelled: %w", ctxErr)
	}
	return fmt.Errorf("context cancelled: %w (last error: %w)", ctxErr, lastErr)
}

// WithSimpleRetry uses default configuration for retry operations.
func WithSimpleRetry[T any](
	ctx context.Context,
	fn func() (T, error),
	isRetryable IsRetryable,
) (T, error) {
	return WithRetry(ctx, DefaultConfig, isRetryable, fn)
}
