package util

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Millisecond),
		retry.RetryIf(IsDatabaseLocked),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

func TestRetry_RetriesWhileLocked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	calls := 0
	err := Retry(ctx, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("upsert: database is locked")
		}
		return nil
	}, fastOptions(ctx)...)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_DoesNotRetryOtherErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sentinel := errors.New("constraint failed")

	calls := 0
	err := Retry(ctx, func() error {
		calls++
		return sentinel
	}, fastOptions(ctx)...)

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestRetryWithResult(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	calls := 0
	v, err := RetryWithResult(ctx, func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("SQLITE_BUSY")
		}
		return 42, nil
	}, fastOptions(ctx)...)

	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestIsDatabaseLocked(t *testing.T) {
	t.Parallel()
	assert.False(t, IsDatabaseLocked(nil))
	assert.False(t, IsDatabaseLocked(errors.New("no such table")))
	assert.True(t, IsDatabaseLocked(errors.New("database is locked")))
}

func TestPollUntil(t *testing.T) {
	t.Parallel()

	n := 0
	err := PollUntil(context.Background(), PollConfig{Timeout: time.Second, Interval: time.Millisecond}, func() bool {
		n++
		return n >= 3
	})
	require.NoError(t, err)

	err = PollUntil(context.Background(), PollConfig{Timeout: 20 * time.Millisecond, Interval: time.Millisecond}, func() bool {
		return false
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
