package models

import "errors"

// Error taxonomy shared by every component. Callers match with errors.Is.
var (
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrSlotUnavailable         = errors.New("slot unavailable")
	ErrAlreadyStarted          = errors.New("already started")
	ErrTargetingMismatch       = errors.New("targeting mismatch")
	ErrInvalidAddress          = errors.New("invalid address")
	ErrDepositAlreadyProcessed = errors.New("deposit already processed")
	ErrWalletAddressMismatch   = errors.New("wallet address mismatch")
	ErrSequenceConflict        = errors.New("sequence number conflict")
	ErrNetworkTimeout          = errors.New("network timeout")
	ErrVerificationRejected    = errors.New("verification rejected")
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidState  = errors.New("invalid state transition")
	ErrTaskNotActive = errors.New("task is not active")
	ErrUserBanned    = errors.New("user is banned")
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrDuplicate     = errors.New("already exists")
	ErrDailyLimit    = errors.New("daily subscription limit reached")

	// ErrInvalidDeposit marks a transfer the deposits table can never hold.
	ErrInvalidDeposit = errors.New("deposit cannot be recorded")
)
