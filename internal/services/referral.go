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

// ReferralDistributor pays a referrer's cut of a settling execution.
type ReferralDistributor struct {
	Ledger  *ledger.Ledger
	Store   ReferralStore
	Percent int64
}

func NewReferralDistributor(l *ledger.Ledger, store ReferralStore, percent int64) *ReferralDistributor {
	return &ReferralDistributor{Ledger: l, Store: store, Percent: percent}
}

// Commission is the floor of base × Percent / 100.
func (d *ReferralDistributor) Commission(base int64) int64 {
	return money.Percent(base, d.Percent)
}

// Referrer returns the executor's referrer, or false when no commission applies.
func (d *ReferralDistributor) Referrer(executor *models.User) (uuid.UUID, bool) {
	if executor.ReferrerID == nil || *executor.ReferrerID == executor.ID {
		return uuid.Nil, false
	}
	return *executor.ReferrerID, true
}

// Distribute moves the commission from the task creator's escrow to the
// referrer and records the earning against the execution. Call within the
// settlement transaction after the balances are locked.
func (d *ReferralDistributor) Distribute(ctx context.Context, tx pgx.Tx, creatorID uuid.UUID, exec *models.Execution, referrerID uuid.UUID, base int64) (int64, error) {
	amount := d.Commission(base)
	if amount <= 0 {
		return 0, nil
	}
	err := d.Ledger.Move(ctx, tx, creatorID, referrerID, amount, ledger.Ref{
		Reason:      models.EntryReferralCommission,
		TaskID:      &exec.TaskID,
		ExecutionID: &exec.ID,
	})
	if err != nil {
		return 0, fmt.Errorf("referral commission: %w", err)
	}
	earning := &models.ReferralEarning{
		ID:          uuid.New(),
		ReferrerID:  referrerID,
		ReferredID:  exec.UserID,
		ExecutionID: exec.ID,
		Base:        base,
		Amount:      amount,
	}
	if err := d.Store.CreateTx(ctx, tx, earning); err != nil {
		return 0, fmt.Errorf("record referral earning: %w", err)
	}
	return amount, nil
}
