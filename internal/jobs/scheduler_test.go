package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blackmirrow/market/internal/deposits"
)

type countingPoller struct {
	calls atomic.Int32
	block chan struct{}
	err   error
}

func (p *countingPoller) Poll(ctx context.Context) (deposits.PollResult, error) {
	p.calls.Add(1)
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
		}
	}
	return deposits.PollResult{}, p.err
}

type countingSweeper struct{ calls atomic.Int32 }

func (s *countingSweeper) SweepStaleComments(context.Context) (int, error) {
	s.calls.Add(1)
	return 2, nil
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestStartRejectsBadSpec(t *testing.T) {
	s := NewScheduler(&countingPoller{}, &countingSweeper{}, discard)
	require.Error(t, s.Start(context.Background(), "every thirty seconds", ""))
}

func TestLoopsRunAndDoNotOverlap(t *testing.T) {
	poller := &countingPoller{block: make(chan struct{})}
	sweeper := &countingSweeper{}
	s := NewScheduler(poller, sweeper, discard)
	require.NoError(t, s.Start(context.Background(), "@every 1s", "@every 1s"))

	require.Eventually(t, func() bool { return sweeper.calls.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
	// The first poll is still blocked, so later ticks were skipped.
	require.Equal(t, int32(1), poller.calls.Load())

	close(poller.block)
	s.Stop()
}

func TestPollErrorIsLoggedNotFatal(t *testing.T) {
	poller := &countingPoller{err: errors.New("liteserver unavailable")}
	s := NewScheduler(poller, nil, discard)
	s.pollDeposits(context.Background())
	s.pollDeposits(context.Background())
	require.Equal(t, int32(2), poller.calls.Load())
}
