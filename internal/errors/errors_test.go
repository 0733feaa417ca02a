package errors

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name              string
		err               error
		expectedType      ErrorType
		expectedRetryable bool
		expectedSeverity  Severity
	}{
		{
			name:              "connection refused",
			err:               fmt.Errorf("dial tcp 127.0.0.1:1: connection refused"),
			expectedType:      ErrorTypeNetwork,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "net.OpError",
			err:               &net.OpError{Op: "read", Err: errors.New("reset")},
			expectedType:      ErrorTypeNetwork,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "deadline exceeded",
			err:               fmt.Errorf("request: %w", context.DeadlineExceeded),
			expectedType:      ErrorTypeTimeout,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "canceled",
			err:               fmt.Errorf("request: %w", context.Canceled),
			expectedType:      ErrorTypeCanceled,
			expectedRetryable: false,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "unknown",
			err:               errors.New("something odd"),
			expectedType:      ErrorTypeUnknown,
			expectedRetryable: false,
			expectedSeverity:  SeverityMedium,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := Classify(tt.err, "test", "op")
			require.NotNil(t, classified)
			assert.Equal(t, tt.expectedType, classified.Type)
			assert.Equal(t, tt.expectedRetryable, classified.Retryable)
			assert.Equal(t, tt.expectedSeverity, classified.Severity)
			assert.Equal(t, "test", classified.Component)
			assert.ErrorIs(t, classified, tt.err)
		})
	}

	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, Classify(nil, "test", "op"))
	})

	t.Run("already classified is returned unchanged", func(t *testing.T) {
		original := NewStorageWriteError("BTCUSD-1m", errors.New("disk full"))
		wrapped := fmt.Errorf("outer: %w", original)
		assert.Same(t, original, Classify(wrapped, "other", "other"))
	})
}

func TestTaxonomyConstructors(t *testing.T) {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)

	tests := []struct {
		name      string
		err       *ClassifiedError
		errType   ErrorType
		retryable bool
	}{
		{"invalid granularity", NewInvalidGranularity("7x", "unknown unit"), ErrorTypeInvalidGranularity, false},
		{"invalid range", NewInvalidRange(start, end), ErrorTypeInvalidRange, false},
		{"upstream request", NewUpstreamRequestError("BTC-USD", 404, "NotFound"), ErrorTypeUpstreamRequest, false},
		{"transient upstream", NewTransientUpstreamError("BTC-USD", 503, errors.New("unavailable")), ErrorTypeTransientUpstream, true},
		{"storage write", NewStorageWriteError("BTCUSD-1m", errors.New("disk full")), ErrorTypeStorageWrite, false},
		{"cursor", NewCursorError("save", "BTCUSD-1m", errors.New("read-only")), ErrorTypeCursor, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("series run: %w", tt.err)
			assert.True(t, IsType(wrapped, tt.errType))
			assert.Equal(t, tt.retryable, IsRetryable(wrapped))
			assert.Equal(t, tt.errType, GetErrorType(wrapped))
			assert.ErrorIs(t, wrapped, &ClassifiedError{Type: tt.errType})
		})
	}

	t.Run("status codes are recorded", func(t *testing.T) {
		assert.Equal(t, 404, StatusCode(NewUpstreamRequestError("BTC-USD", 404, "NotFound")))
		assert.Equal(t, 503, StatusCode(NewTransientUpstreamError("BTC-USD", 503, errors.New("x"))))
		assert.Equal(t, 0, StatusCode(errors.New("plain")))
	})

	t.Run("plain errors are not typed", func(t *testing.T) {
		err := errors.New("plain")
		assert.False(t, IsType(err, ErrorTypeStorageWrite))
		assert.False(t, IsRetryable(err))
		assert.Equal(t, ErrorTypeUnknown, GetErrorType(err))
		assert.Equal(t, SeverityMedium, GetSeverity(err))
	})
}

func TestWrapError(t *testing.T) {
	assert.NoError(t, WrapError(nil, "c", "o", "m"))

	base := errors.New("boom")
	err := WrapError(base, "engine", "run", "series failed")
	assert.EqualError(t, err, "series failed in engine.run: boom")
	assert.ErrorIs(t, err, base)
}

func TestSeverity_String(t *testing.T) {
	assert.Equal(t, "low", SeverityLow.String())
	assert.Equal(t, "medium", SeverityMedium.String())
	assert.Equal(t, "high", SeverityHigh.String())
	assert.Equal(t, "critical", SeverityCritical.String())
	assert.Equal(t, "unknown", Severity(42).String())
}

func TestRetryPolicy_Delay(t *testing.T) {
	policy := DefaultRetryPolicy()
	require.NoError(t, policy.Validate())

	assert.Equal(t, time.Second, policy.Delay(0))
	assert.Equal(t, 2*time.Second, policy.Delay(1))
	assert.Equal(t, 4*time.Second, policy.Delay(2))
	assert.Equal(t, 8*time.Second, policy.Delay(3))

	capped := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	assert.Equal(t, 3*time.Second, capped.Delay(2))

	// large attempts saturate rather than wrapping negative
	huge := RetryPolicy{MaxAttempts: 100, BaseDelay: 3 * time.Second}
	assert.Equal(t, time.Duration(math.MaxInt64), huge.Delay(40))
	assert.Equal(t, time.Duration(math.MaxInt64), huge.Delay(1000))
	assert.Equal(t, 3*time.Second<<31, huge.Delay(31))
	assert.Equal(t, 3*time.Second, RetryPolicy{MaxAttempts: 100, BaseDelay: time.Second, MaxDelay: 3 * time.Second}.Delay(90))

	assert.Error(t, RetryPolicy{MaxAttempts: 0}.Validate())
	assert.Error(t, RetryPolicy{MaxAttempts: 1, BaseDelay: -1}.Validate())
}

func TestRetryPolicy_NewBackOff(t *testing.T) {
	b := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}.NewBackOff()

	assert.Equal(t, time.Millisecond, b.NextBackOff())
	assert.Equal(t, 2*time.Millisecond, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff())

	b.Reset()
	assert.Equal(t, time.Millisecond, b.NextBackOff())
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	fast := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		var notified []int
		value, attempts, err := Retry(ctx, fast, func(ctx context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", NewTransientUpstreamError("BTC-USD", 503, errors.New("unavailable"))
			}
			return "ok", nil
		}, func(err error, attempt int, wait time.Duration) {
			notified = append(notified, attempt)
		})

		require.NoError(t, err)
		assert.Equal(t, "ok", value)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, []int{1, 2}, notified)
	})

	t.Run("exhausts attempts on persistent transient failure", func(t *testing.T) {
		calls := 0
		_, attempts, err := Retry(ctx, fast, func(ctx context.Context) (int, error) {
			calls++
			return 0, NewTransientUpstreamError("BTC-USD", 503, errors.New("unavailable"))
		}, nil)

		require.Error(t, err)
		assert.Equal(t, 5, calls)
		assert.Equal(t, 5, attempts)
		assert.True(t, IsType(err, ErrorTypeTransientUpstream))
		assert.Equal(t, 5, Attempts(err))
	})

	t.Run("does not retry non-retryable errors", func(t *testing.T) {
		calls := 0
		_, attempts, err := Retry(ctx, fast, func(ctx context.Context) (int, error) {
			calls++
			return 0, NewUpstreamRequestError("BAD-PAIR", 404, "NotFound")
		}, nil)

		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, attempts)
		assert.True(t, IsType(err, ErrorTypeUpstreamRequest))
	})

	t.Run("unclassified errors are not retried", func(t *testing.T) {
		calls := 0
		_, _, err := Retry(ctx, fast, func(ctx context.Context) (int, error) {
			calls++
			return 0, errors.New("plain")
		}, nil)

		require.EqualError(t, err, "plain")
		assert.Equal(t, 1, calls)
	})

	t.Run("stops when the context is canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		slow := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}

		calls := 0
		_, _, err := Retry(cctx, slow, func(ctx context.Context) (int, error) {
			calls++
			cancel()
			return 0, NewTransientUpstreamError("BTC-USD", 503, errors.New("unavailable"))
		}, nil)

		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}
