package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/blackmirrow/market/internal/models"
)

// Ref ties a balance change to the operation that caused it.
type Ref struct {
	Reason       string
	TaskID       *uuid.UUID
	ExecutionID  *uuid.UUID
	DepositID    *uuid.UUID
	WithdrawalID *uuid.UUID
}

// Store is the persistence the ledger needs. AdjustBalance must refuse to take
// a bucket below zero and report models.ErrInsufficientFunds instead.
type Store interface {
	LockBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error
	AdjustBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID, bucket string, delta int64) (int64, error)
	InsertEntry(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	GetBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error)
}

// Ledger holds active and escrow balances. Every operation runs inside the
// caller's transaction, so several of them compose into one atomic change.
type Ledger struct {
	store Store
}

func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// LockUsers takes row locks on the given balances in a deterministic order
// so concurrent multi-party operations cannot deadlock.
func (l *Ledger) LockUsers(ctx context.Context, tx pgx.Tx, ids ...uuid.UUID) error {
	sorted := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		sorted = append(sorted, id)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })
	for _, id := range sorted {
		if err := l.store.LockBalance(ctx, tx, id); err != nil {
			return fmt.Errorf("lock balance %s: %w", id, err)
		}
	}
	return nil
}

// Lock moves amount from the user's active balance into their escrow.
func (l *Ledger) Lock(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, ref Ref) error {
	if amount <= 0 {
		return models.ErrInvalidAmount
	}
	if err := l.apply(ctx, tx, userID, models.BucketActive, -amount, ref); err != nil {
		return err
	}
	return l.apply(ctx, tx, userID, models.BucketEscrow, amount, ref)
}

// Release returns amount from the user's escrow to their own active balance.
func (l *Ledger) Release(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, ref Ref) error {
	if amount <= 0 {
		return models.ErrInvalidAmount
	}
	if err := l.apply(ctx, tx, userID, models.BucketEscrow, -amount, ref); err != nil {
		return err
	}
	return l.apply(ctx, tx, userID, models.BucketActive, amount, ref)
}

// Move takes amount out of from's escrow and credits it to to's active balance.
func (l *Ledger) Move(ctx context.Context, tx pgx.Tx, from, to uuid.UUID, amount int64, ref Ref) error {
	if amount <= 0 {
		return models.ErrInvalidAmount
	}
	if err := l.apply(ctx, tx, from, models.BucketEscrow, -amount, ref); err != nil {
		return err
	}
	return l.apply(ctx, tx, to, models.BucketActive, amount, ref)
}

// Debit removes amount from the user's active balance.
func (l *Ledger) Debit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, ref Ref) error {
	if amount <= 0 {
		return models.ErrInvalidAmount
	}
	return l.apply(ctx, tx, userID, models.BucketActive, -amount, ref)
}

// Credit adds amount to the user's active balance.
func (l *Ledger) Credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, ref Ref) error {
	if amount <= 0 {
		return models.ErrInvalidAmount
	}
	return l.apply(ctx, tx, userID, models.BucketActive, amount, ref)
}

// Balance reads the committed balance of a user.
func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID) (*models.Balance, error) {
	return l.store.GetBalance(ctx, userID)
}

func (l *Ledger) apply(ctx context.Context, tx pgx.Tx, userID uuid.UUID, bucket string, delta int64, ref Ref) error {
	if ref.Reason == "" {
		return fmt.Errorf("ledger: balance change for %s has no reason", userID)
	}
	after, err := l.store.AdjustBalance(ctx, tx, userID, bucket, delta)
	if err != nil {
		return fmt.Errorf("adjust %s balance of %s: %w", bucket, userID, err)
	}
	return l.store.InsertEntry(ctx, tx, &models.LedgerEntry{
		ID:           uuid.New(),
		UserID:       userID,
		Bucket:       bucket,
		Delta:        delta,
		BalanceAfter: after,
		Reason:       ref.Reason,
		TaskID:       ref.TaskID,
		ExecutionID:  ref.ExecutionID,
		DepositID:    ref.DepositID,
		WithdrawalID: ref.WithdrawalID,
	})
}
