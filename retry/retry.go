// Package retry runs chain and facilitator calls with exponential backoff, and polls for
// results that appear eventually (transaction receipts, confirmations).
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts  int           // Maximum number of attempts (including initial attempt)
	InitialDelay time.Duration // Initial delay between retries
	MaxDelay     time.Duration // Maximum delay between retries
	Multiplier   float64       // Multiplier for exponential backoff
}

// DefaultConfig is used for facilitator and RPC calls that fail transiently.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
}

// ReceiptPolling is the schedule used while waiting for a mined transaction.
var ReceiptPolling = Config{
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     4 * time.Second,
	Multiplier:   1.5,
}

// ErrNotReady is returned by a Poll function to signal that the value does not exist yet.
var ErrNotReady = errors.New("retry: not ready")

// IsRetryable determines if an error should trigger a retry.
type IsRetryable func(error) bool

// WithRetry executes fn until it succeeds, returns a non-retryable error, or the attempts
// run out. Delays grow by Multiplier up to MaxDelay and respect context cancellation.
func WithRetry[T any](
	ctx context.Context,
	config Config,
	isRetryable IsRetryable,
	fn func() (T, error),
) (T, error) {
	var zero T
	if config.MaxAttempts <= 0 {
		return zero, fmt.Errorf("retry: max attempts must be positive, got %d", config.MaxAttempts)
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("context cancelled after %d attempts: %w", attempt, errors.Join(err, lastErr))
			}
			return zero, fmt.Errorf("context cancelled: %w", err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}

		// Don't sleep after last attempt
		if attempt == config.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			delay = next(delay, config)
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("context cancelled after %d attempts: %w", attempt+1, errors.Join(ctx.Err(), lastErr))
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// WithSimpleRetry uses default configuration for retry operations.
func WithSimpleRetry[T any](
	ctx context.Context,
	fn func() (T, error),
	isRetryable IsRetryable,
) (T, error) {
	return WithRetry(ctx, DefaultConfig, isRetryable, fn)
}

// Poll calls fn until it returns a value, a non-ErrNotReady error, or ctx is done. When ctx
// expires the returned error wraps both ErrNotReady and the context error, so callers can
// tell "never became ready" apart from a hard failure.
func Poll[T any](ctx context.Context, config Config, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if config.InitialDelay <= 0 {
		config = ReceiptPolling
	}
	delay := config.InitialDelay

	for {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrNotReady) {
			return zero, err
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			delay = next(delay, config)
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
		}
	}
}

func next(delay time.Duration, config Config) time.Duration {
	if config.Multiplier > 1 {
		delay = time.Duration(float64(delay) * config.Multiplier)
	}
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	return delay
}
