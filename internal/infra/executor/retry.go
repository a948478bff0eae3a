package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// RetryConfig defines retry behavior for webhook calls.
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig keeps the total retry window well under a minute.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     3,
	InitialDelay:    500 * time.Millisecond,
	MaxDelay:        5 * time.Second,
	BackoffMultiple: 2.0,
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

// callWithRetry runs fn with exponential backoff until it succeeds, returns a
// permanent error, or the attempts are used up.
func callWithRetry[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	attempts := max(config.MaxAttempts, 1)

	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(calculateBackoff(attempt, config))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.BackoffMultiple, float64(attempt))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}
