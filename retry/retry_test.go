package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverableError(t *testing.T) {
	err := NewRecoverableError(errors.New("test error"))
	assert.True(t, IsRecoverable(err))
	assert.True(t, IsRecoverable(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsRecoverable(errors.New("test error")))
	assert.False(t, IsRecoverable(nil))
	assert.Nil(t, NewRecoverableError(nil))
}

func TestNonRecoverableError(t *testing.T) {
	err := NewNonRecoverableError(errors.New("service unavailable"))
	assert.False(t, IsRecoverable(err))
	assert.True(t, IsPermanent(err))
	assert.False(t, IsPermanent(errors.New("boom")))
}

func TestRecoverableByMessage(t *testing.T) {
	assert.True(t, IsRecoverable(errors.New("upstream: Service Unavailable")))
	assert.True(t, IsRecoverable(context.DeadlineExceeded))
	assert.False(t, IsRecoverable(context.Canceled))
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func(attempt int) error {
		count++
		assert.Equal(t, count, attempt)
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(3), WithBaseWait(time.Millisecond))
	require.Error(t, err)
	assert.Equal(t, "test error", err.Error())
	assert.Equal(t, 4, count)
}

func TestRetryZeroMaxRetries(t *testing.T) {
	count := 0
	err := Do(context.Background(), func(int) error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(0), WithBaseWait(time.Millisecond))
	require.Error(t, err)
	assert.Equal(t, 1, count)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	count := 0
	err := Do(context.Background(), func(int) error {
		count++
		return errors.New("invalid input")
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond))
	require.Error(t, err)
	assert.Equal(t, 1, count)
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	var waits []time.Duration
	err := Do(context.Background(), func(attempt int) error {
		if attempt < 3 {
			return errors.New("flaky")
		}
		return nil
	},
		WithMaxRetries(5),
		WithBaseWait(time.Millisecond),
		WithShouldRetry(func(error) bool { return true }),
		WithOnRetry(func(attempt int, err error, wait time.Duration) {
			waits = append(waits, wait)
		}),
	)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	err := Do(ctx, func(int) error {
		count++
		cancel()
		return NewRecoverableError(errors.New("again"))
	}, WithMaxRetries(10), WithBaseWait(time.Hour))
	require.Error(t, err)
	assert.Equal(t, 1, count)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, Backoff(1, 100*time.Millisecond, time.Second, 2, false))
	assert.Equal(t, 400*time.Millisecond, Backoff(3, 100*time.Millisecond, time.Second, 2, false))
	assert.Equal(t, time.Second, Backoff(10, 100*time.Millisecond, time.Second, 2, false))
	assert.Equal(t, time.Duration(0), Backoff(1, 0, time.Second, 2, false))

	for i := 0; i < 20; i++ {
		wait := Backoff(2, 100*time.Millisecond, time.Second, 2, true)
		assert.GreaterOrEqual(t, wait, 100*time.Millisecond)
		assert.LessOrEqual(t, wait, 200*time.Millisecond)
	}
}
