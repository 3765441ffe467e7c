package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	WithdrawalRequested = "requested"
	WithdrawalDebited   = "debited"
	WithdrawalBroadcast = "broadcast"
	WithdrawalConfirmed = "confirmed"
	WithdrawalFailed    = "failed"
)

type Withdrawal struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	ToAddress      string     `json:"to_address"`
	Amount         int64      `json:"amount"`
	Comment        string     `json:"comment,omitempty"`
	Status         string     `json:"status"`
	FromWallet     string     `json:"from_wallet,omitempty"`
	WalletVersion  string     `json:"wallet_version,omitempty"`
	Seqno          *uint32    `json:"seqno,omitempty"`
	TxHash         string     `json:"tx_hash,omitempty"`
	Reversed       bool       `json:"reversed"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	BroadcastAt    *time.Time `json:"broadcast_at,omitempty"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty"`
}

// Settled reports whether the withdrawal reached a final state.
func (w *Withdrawal) Settled() bool {
	return w.Status == WithdrawalConfirmed || w.Status == WithdrawalFailed
}
