package models

import (
	"time"

	"github.com/google/uuid"
)

// Balance buckets a ledger entry can touch.
const (
	BucketActive = "active"
	BucketEscrow = "escrow"
)

// Ledger entry reasons. Every balance change carries one.
const (
	EntryTaskEscrowLock     = "task_escrow_lock"
	EntryTaskEscrowRelease  = "task_escrow_release"
	EntrySettlementPayout   = "settlement_payout"
	EntryPlatformFee        = "platform_fee"
	EntryReferralCommission = "referral_commission"
	EntrySettlementDebit    = "settlement_debit"
	EntryDeposit            = "deposit"
	EntryWithdrawal         = "withdrawal"
	EntryWithdrawalReverse  = "withdrawal_reversal"
)

// LedgerEntry records one signed change to one bucket of one user's balance.
type LedgerEntry struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	Bucket       string     `json:"bucket"`
	Delta        int64      `json:"delta"`
	BalanceAfter int64      `json:"balance_after"`
	Reason       string     `json:"reason"`
	TaskID       *uuid.UUID `json:"task_id,omitempty"`
	ExecutionID  *uuid.UUID `json:"execution_id,omitempty"`
	DepositID    *uuid.UUID `json:"deposit_id,omitempty"`
	WithdrawalID *uuid.UUID `json:"withdrawal_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ReferralEarning attributes one commission payment to the execution that produced it.
type ReferralEarning struct {
	ID          uuid.UUID `json:"id"`
	ReferrerID  uuid.UUID `json:"referrer_id"`
	ReferredID  uuid.UUID `json:"referred_id"`
	ExecutionID uuid.UUID `json:"execution_id"`
	Base        int64     `json:"base"`
	Amount      int64     `json:"amount"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReferredUser is one invitee in a referrer's list with what they earned the referrer.
type ReferredUser struct {
	UserID    uuid.UUID `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	FirstName string    `json:"first_name,omitempty"`
	JoinedAt  time.Time `json:"joined_at"`
	Earned    int64     `json:"earned"`
}
