package orchestrator

import (
	"errors"
	"math"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
)

// RetryStrategy defines how outcome reporting retries are handled.
type RetryStrategy interface {
	// GetDelay returns the delay for the given attempt (0-indexed).
	GetDelay(attempt int) time.Duration

	// ShouldRetry checks if we should retry based on the error and attempt count.
	ShouldRetry(err error, attempt int) bool
}

// ExponentialBackoff implements a standard backoff strategy.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultBackoff returns the outcome reporting backoff.
// 2s, 4s, 8s, 16s, 32s (Max 60s)
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		MaxAttempts:  5,
	}
}

// GetDelay calculates delay: InitialDelay * 2^attempt
func (s *ExponentialBackoff) GetDelay(attempt int) time.Duration {
	delay := float64(s.InitialDelay) * math.Pow(2, float64(attempt))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry retries ledger outages until MaxAttempts. Unknown attempts are permanent.
func (s *ExponentialBackoff) ShouldRetry(err error, attempt int) bool {
	if attempt >= s.MaxAttempts-1 {
		return false
	}
	return !errors.Is(err, domain.ErrAttemptNotFound)
}
