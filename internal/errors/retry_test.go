package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBusy = errors.New("database is locked (5) (SQLITE_BUSY)")

func fastBusyConfig() RetryConfig {
	cfg := BusyRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 4 * time.Millisecond
	return cfg
}

func TestRetry_RetriesBusyUntilSuccess(t *testing.T) {
	// Given: a store that is busy twice, then opens
	calls := 0

	// When: retrying with the busy predicate
	err := Retry(context.Background(), fastBusyConfig(), func() error {
		calls++
		if calls < 3 {
			return errBusy
		}
		return nil
	})

	// Then: it succeeds on the third call
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("no such table: cards")

	err := Retry(context.Background(), fastBusyConfig(), func() error {
		calls++
		return permanent
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, permanent, err)
}

func TestRetry_GivesUpAfterMaxRetries(t *testing.T) {
	// Given: a database that never frees up
	cfg := fastBusyConfig()
	cfg.MaxRetries = 2
	calls := 0

	// When: retrying
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return errBusy
	})

	// Then: the first attempt plus two retries ran and the cause is kept
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.ErrorIs(t, err, errBusy)
}

func TestRetry_NoPredicateRetriesEverything(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
	calls := 0

	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetry_ContextCancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false

	err := Retry(ctx, fastBusyConfig(), func() error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestRetry_DeadlineInterruptsBackoff(t *testing.T) {
	// Given: long backoff and a short deadline
	cfg := RetryConfig{MaxRetries: 5, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 2}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	// When: the first attempt fails
	start := time.Now()
	err := Retry(ctx, cfg, func() error { return errBusy })

	// Then: the wait is cut short
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRetry_BackoffGrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 4, InitialDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
	var stamps []time.Time

	_ = Retry(context.Background(), cfg, func() error {
		stamps = append(stamps, time.Now())
		return errBusy
	})

	require.Len(t, stamps, 5)
	// Waits are 5ms, 10ms, 10ms, 10ms.
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 5*time.Millisecond)
	for i := 2; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		assert.GreaterOrEqual(t, gap, 10*time.Millisecond)
		assert.Less(t, gap, 200*time.Millisecond)
	}
}

func TestRetryConfig_JitterStaysInRange(t *testing.T) {
	cfg := RetryConfig{Jitter: true}
	for range 100 {
		d := cfg.wait(100 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.Less(t, d, 100*time.Millisecond)
	}
	assert.Equal(t, 100*time.Millisecond, RetryConfig{}.wait(100*time.Millisecond))
}

func TestRetryWithResult(t *testing.T) {
	t.Run("returns value", func(t *testing.T) {
		calls := 0
		got, err := RetryWithResult(context.Background(), fastBusyConfig(), func() (string, error) {
			calls++
			if calls < 2 {
				return "partial", errBusy
			}
			return "tx", nil
		})

		require.NoError(t, err)
		assert.Equal(t, "tx", got)
	})

	t.Run("zero value on failure", func(t *testing.T) {
		cfg := fastBusyConfig()
		cfg.MaxRetries = 1

		got, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
			return 42, errBusy
		})

		require.Error(t, err)
		assert.Zero(t, got)
	})
}

func TestIsBusy(t *testing.T) {
	assert.True(t, IsBusy(errors.New("database is locked")))
	assert.True(t, IsBusy(New(ErrCodeStorageBusy, "busy", nil)))
	assert.False(t, IsBusy(errors.New("disk I/O error")))
	assert.False(t, IsBusy(nil))
}
