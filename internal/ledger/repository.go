package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blackmirrow/market/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// LockBalance takes the row lock on the user's balance. Call within a transaction.
func (r *Repository) LockBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `SELECT user_id FROM balances WHERE user_id = $1 FOR UPDATE`, userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}

// AdjustBalance adds delta to one bucket. The conditional UPDATE never lets a
// bucket go negative; a refused update is reported as insufficient funds.
func (r *Repository) AdjustBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID, bucket string, delta int64) (int64, error) {
	var query string
	switch bucket {
	case models.BucketActive:
		query = `
			UPDATE balances SET active_nano = active_nano + $2, updated_at = now()
			WHERE user_id = $1 AND active_nano + $2 >= 0
			RETURNING active_nano`
	case models.BucketEscrow:
		query = `
			UPDATE balances SET escrow_nano = escrow_nano + $2, updated_at = now()
			WHERE user_id = $1 AND escrow_nano + $2 >= 0
			RETURNING escrow_nano`
	default:
		return 0, fmt.Errorf("unknown balance bucket %q", bucket)
	}
	var after int64
	err := tx.QueryRow(ctx, query, userID, delta).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM balances WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
			return 0, err
		}
		if !exists {
			return 0, models.ErrNotFound
		}
		return 0, models.ErrInsufficientFunds
	}
	return after, err
}

// InsertEntry writes one ledger line inside the given transaction.
func (r *Repository) InsertEntry(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, user_id, bucket, delta, balance_after, reason, task_id, execution_id, deposit_id, withdrawal_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`, e.ID, e.UserID, e.Bucket, e.Delta, e.BalanceAfter, e.Reason, e.TaskID, e.ExecutionID, e.DepositID, e.WithdrawalID).Scan(&e.CreatedAt)
}

func (r *Repository) GetBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error) {
	var b models.Balance
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, active_nano, escrow_nano, updated_at FROM balances WHERE user_id = $1
	`, userID).Scan(&b.UserID, &b.Active, &b.Escrow, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListEntries returns the newest entries for a user first.
func (r *Repository) ListEntries(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, bucket, delta, balance_after, reason, task_id, execution_id, deposit_id, withdrawal_id, created_at
		FROM ledger_entries WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Bucket, &e.Delta, &e.BalanceAfter, &e.Reason, &e.TaskID, &e.ExecutionID, &e.DepositID, &e.WithdrawalID, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
