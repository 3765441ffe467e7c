package ton

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blackmirrow/market/internal/models"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryExhaustionIsNetworkTimeout(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 2, time.Millisecond, func(context.Context) error {
		calls++
		return errors.New("connection reset")
	})
	require.ErrorIs(t, err, models.ErrNetworkTimeout)
	require.Equal(t, 2, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	bad := errors.New("bad request")
	calls := 0
	err := Retry(context.Background(), 5, time.Millisecond, func(context.Context) error {
		calls++
		return Permanent(bad)
	})
	require.ErrorIs(t, err, bad)
	require.NotErrorIs(t, err, models.ErrNetworkTimeout)
	require.Equal(t, 1, calls)
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, 5, time.Hour, func(context.Context) error {
		calls++
		cancel()
		return errors.New("slow")
	})
	require.ErrorIs(t, err, models.ErrNetworkTimeout)
	require.Equal(t, 1, calls)
}

func TestRPCAppliesPerAttemptTimeout(t *testing.T) {
	rpc := NewRPC(100, 2, 5*time.Millisecond)
	rpc.backoff = time.Millisecond
	err := rpc.Do(context.Background(), "test", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, models.ErrNetworkTimeout)
}
