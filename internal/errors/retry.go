package errors

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is a pure description of how often and how long to retry.
// The n-th retry (0-based) waits BaseDelay * 2^n, capped at MaxDelay when set.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns five attempts with 1s, 2s, 4s and 8s between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
	}
}

// Validate checks the policy for usable values.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("retry policy: base delay must not be negative, got %s", p.BaseDelay)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("retry policy: max delay must not be negative, got %s", p.MaxDelay)
	}
	return nil
}

// Delay returns the wait before retry number attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// BaseDelay * 2^attempt saturates instead of wrapping negative
	if attempt > 62 {
		attempt = 62
	}
	d := time.Duration(math.MaxInt64)
	if p.BaseDelay <= time.Duration(math.MaxInt64>>uint(attempt)) {
		d = p.BaseDelay << uint(attempt)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// NewBackOff adapts the policy to a backoff.BackOff that stops after
// MaxAttempts-1 waits, i.e. after MaxAttempts calls of the operation.
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	return &policyBackOff{policy: p}
}

type policyBackOff struct {
	policy  RetryPolicy
	retries int
}

// NextBackOff returns the next wait or backoff.Stop once attempts are spent
func (b *policyBackOff) NextBackOff() time.Duration {
	if b.retries >= b.policy.MaxAttempts-1 {
		return backoff.Stop
	}
	d := b.policy.Delay(b.retries)
	b.retries++
	return d
}

// Reset restarts the attempt counter
func (b *policyBackOff) Reset() {
	b.retries = 0
}

// RetryNotify is called before each wait with the error that caused it, the
// number of attempts made so far and the upcoming wait.
type RetryNotify func(err error, attempt int, wait time.Duration)

// Retry calls op until it succeeds, returns a non-retryable error, the policy
// runs out of attempts or ctx is done. Only errors for which IsRetryable holds
// are retried. It returns the value, the number of attempts made and the
// final error; a returned ClassifiedError has its Attempts field set.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context) (T, error), notify RetryNotify) (T, int, error) {
	attempts := 0

	operation := func() (T, error) {
		attempts++
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		if ctx.Err() != nil || !IsRetryable(err) {
			return value, backoff.Permanent(err)
		}
		return value, err
	}

	onRetry := func(err error, wait time.Duration) {
		if notify != nil {
			notify(err, attempts, wait)
		}
	}

	value, err := backoff.RetryNotifyWithData(operation, backoff.WithContext(policy.NewBackOff(), ctx), onRetry)
	if err != nil {
		var ce *ClassifiedError
		if errors.As(err, &ce) {
			ce.Attempts = attempts
		}
	}

	return value, attempts, err
}
