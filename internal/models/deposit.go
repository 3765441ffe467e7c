package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	DepositCredited  = "credited"
	DepositUnmatched = "unmatched"
	DepositDust      = "dust"
)

// Deposit is an inbound transfer to the service wallet, keyed by transaction hash.
type Deposit struct {
	ID            uuid.UUID  `json:"id"`
	TxHash        string     `json:"tx_hash"`
	LT            uint64     `json:"lt"`
	FromAddress   string     `json:"from_address"`
	Amount        int64      `json:"amount"`
	Memo          string     `json:"memo"`
	UserID        *uuid.UUID `json:"user_id,omitempty"`
	Status        string     `json:"status"`
	Processed     bool       `json:"processed"`
	Confirmations int        `json:"confirmations"`
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}
