package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/blackmirrow/market/internal/ledger"
	"github.com/blackmirrow/market/internal/models"
	"github.com/blackmirrow/market/internal/money"
)

// Escrow moves task escrow into active balances on settlement and back to the
// creator on refunds. Every method must run inside the caller's transaction.
type Escrow struct {
	Ledger     *ledger.Ledger
	Referrals  *ReferralDistributor
	FeePercent int64
}

func NewEscrow(l *ledger.Ledger, referrals *ReferralDistributor, feePercent int64) *Escrow {
	return &Escrow{Ledger: l, Referrals: referrals, FeePercent: feePercent}
}

// Payout describes how one settlement split the slot price.
type Payout struct {
	Executor   int64 `json:"executor"`
	Fee        int64 `json:"fee"`
	Commission int64 `json:"commission"`
}

// LockTask escrows the full budget of a new task from the creator's active balance.
func (s *Escrow) LockTask(ctx context.Context, tx pgx.Tx, task *models.Task) error {
	if err := s.Ledger.LockUsers(ctx, tx, task.CreatorID); err != nil {
		return err
	}
	return s.Ledger.Lock(ctx, tx, task.CreatorID, task.EscrowTotal(), ledger.Ref{
		Reason: models.EntryTaskEscrowLock,
		TaskID: &task.ID,
	})
}

// ReleaseToCreator returns amount of the task's escrow to the creator.
func (s *Escrow) ReleaseToCreator(ctx context.Context, tx pgx.Tx, task *models.Task, amount int64, executionID *uuid.UUID) error {
	if amount <= 0 {
		return nil
	}
	if err := s.Ledger.LockUsers(ctx, tx, task.CreatorID); err != nil {
		return err
	}
	return s.Ledger.Release(ctx, tx, task.CreatorID, amount, ledger.Ref{
		Reason:      models.EntryTaskEscrowRelease,
		TaskID:      &task.ID,
		ExecutionID: executionID,
	})
}

// Settle splits the execution's reward: platform fee, referral commission when
// the executor was referred, and the remainder to the executor. Fee and
// commission are floored so the three parts always sum to the reward.
func (s *Escrow) Settle(ctx context.Context, tx pgx.Tx, task *models.Task, exec *models.Execution, executor *models.User) (*Payout, error) {
	price := exec.Reward
	referrerID, referred := s.Referrals.Referrer(executor)

	ids := []uuid.UUID{task.CreatorID, executor.ID, models.SystemPlatformUserID}
	if referred {
		ids = append(ids, referrerID)
	}
	if err := s.Ledger.LockUsers(ctx, tx, ids...); err != nil {
		return nil, err
	}

	p := &Payout{Fee: money.Percent(price, s.FeePercent)}
	if p.Fee > 0 {
		err := s.Ledger.Move(ctx, tx, task.CreatorID, models.SystemPlatformUserID, p.Fee, ledger.Ref{
			Reason:      models.EntryPlatformFee,
			TaskID:      &task.ID,
			ExecutionID: &exec.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("platform fee: %w", err)
		}
	}

	if referred {
		commission, err := s.Referrals.Distribute(ctx, tx, task.CreatorID, exec, referrerID, price)
		if err != nil {
			return nil, err
		}
		p.Commission = commission
	}

	p.Executor = price - p.Fee - p.Commission
	if p.Executor > 0 {
		err := s.Ledger.Move(ctx, tx, task.CreatorID, executor.ID, p.Executor, ledger.Ref{
			Reason:      models.EntrySettlementPayout,
			TaskID:      &task.ID,
			ExecutionID: &exec.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("executor payout: %w", err)
		}
	}
	return p, nil
}
