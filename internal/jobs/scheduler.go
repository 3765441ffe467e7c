// Package jobs runs the periodic background loops: the deposit watcher poll
// and the stale comment sweep.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/blackmirrow/market/internal/deposits"
)

type DepositPoller interface {
	Poll(ctx context.Context) (deposits.PollResult, error)
}

type CommentSweeper interface {
	SweepStaleComments(ctx context.Context) (int, error)
}

// Scheduler owns the cron loops. A run that is still going when its next
// tick fires is skipped, so a slow liteserver never stacks polls.
type Scheduler struct {
	cron    *cron.Cron
	poller  DepositPoller
	sweeper CommentSweeper
	logger  *slog.Logger
	timeout time.Duration
}

func NewScheduler(poller DepositPoller, sweeper CommentSweeper, logger *slog.Logger) *Scheduler {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return &Scheduler{
		cron:    c,
		poller:  poller,
		sweeper: sweeper,
		logger:  logger,
		timeout: 2 * time.Minute,
	}
}

// Start registers the loops and starts the cron. Either loop may be
// disabled with an empty spec.
func (s *Scheduler) Start(ctx context.Context, pollSpec, sweepSpec string) error {
	if pollSpec != "" && s.poller != nil {
		if _, err := s.cron.AddFunc(pollSpec, func() { s.pollDeposits(ctx) }); err != nil {
			return fmt.Errorf("schedule deposit poll %q: %w", pollSpec, err)
		}
	}
	if sweepSpec != "" && s.sweeper != nil {
		if _, err := s.cron.AddFunc(sweepSpec, func() { s.sweepComments(ctx) }); err != nil {
			return fmt.Errorf("schedule comment sweep %q: %w", sweepSpec, err)
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "deposit_poll", pollSpec, "comment_sweep", sweepSpec)
	return nil
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) pollDeposits(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.poller.Poll(ctx); err != nil {
		s.logger.Error("deposit poll failed", "error", err)
	}
}

func (s *Scheduler) sweepComments(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.sweeper.SweepStaleComments(ctx)
	if err != nil {
		s.logger.Error("comment sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("stale comment executions rejected", "count", n)
	}
}
