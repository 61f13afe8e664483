package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMaxAttemptsExhausted wraps the last error once every attempt failed.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Retrier runs an operation until it succeeds, fails permanently, or runs
// out of attempts.
type Retrier struct {
	Policy      Policy
	MaxAttempts int

	// Retryable reports whether an error is transient. Nil retries every error.
	Retryable func(error) bool

	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)

	sleep func(ctx context.Context, d time.Duration) error
}

// Do executes fn under r. A non-retryable error is returned unchanged;
// exhaustion wraps the last error with ErrMaxAttemptsExhausted.
func Do[T any](ctx context.Context, r Retrier, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := r.sleep
	if sleep == nil {
		sleep = SleepWithContext
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return zero, err
		}

		value, err := fn(ctx, attempt)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if r.Retryable != nil && !r.Retryable(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		delay := r.Policy.Delay(attempt)
		if r.OnRetry != nil {
			r.OnRetry(attempt, err, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
	}
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsExhausted, attempts, lastErr)
}

// SleepWithContext sleeps for d or until ctx is done.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
