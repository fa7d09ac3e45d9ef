package util

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behavior with exponential backoff.
// The delay before retry n (0-based) is BaseDelay * Multiplier^n, capped at MaxDelay.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first (default: 3).
	MaxAttempts int

	// BaseDelay is the delay before the first retry (default: 500ms).
	BaseDelay time.Duration

	// MaxDelay is the maximum delay between retries (default: 10s).
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier (default: 2.0).
	Multiplier float64

	// Jitter adds up to 25% randomness to each delay.
	Jitter bool

	// IsRetryable determines if an error should be retried.
	// If nil, every error not marked permanent is retried.
	IsRetryable func(error) bool
}

// DefaultRetryPolicy returns three attempts starting at 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	return p
}

// Delay returns the backoff before retry n (0-based), without jitter.
func (p RetryPolicy) Delay(n int) time.Duration {
	p = p.withDefaults()
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// MaxWait is the sum of all delays the policy can sleep before giving up.
func (p RetryPolicy) MaxWait() time.Duration {
	p = p.withDefaults()
	var total time.Duration
	for n := 0; n < p.MaxAttempts-1; n++ {
		total += p.Delay(n)
	}
	return total
}

// Retry executes fn with exponential backoff retry logic.
// It returns the result of fn or the last error if all attempts fail.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func() (T, error)) (T, error) {
	policy = policy.withDefaults()

	var zero T
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		// Check context before each attempt
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		lastErr = err

		if IsPermanent(err) {
			return zero, err
		}
		if policy.IsRetryable != nil && !policy.IsRetryable(err) {
			return zero, err
		}

		// Don't sleep after the last attempt
		if attempt == policy.MaxAttempts {
			break
		}

		sleepDuration := policy.Delay(attempt - 1)
		if policy.Jitter {
			sleepDuration += time.Duration(rand.Float64() * 0.25 * float64(sleepDuration))
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(sleepDuration):
		}
	}

	return zero, lastErr
}

// RetryDo is Retry for functions that only return an error.
func RetryDo(ctx context.Context, policy RetryPolicy, fn func() error) error {
	_, err := Retry(ctx, policy, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// PermanentError wraps an error to indicate it should not be retried.
// Use this to short-circuit retry logic for known permanent failures.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsPermanent checks if an error is marked as permanent.
func IsPermanent(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}

// MarkPermanent wraps an error to indicate it should not be retried.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
