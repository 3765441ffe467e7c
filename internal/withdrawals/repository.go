package withdrawals

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blackmirrow/market/internal/models"
	"github.com/blackmirrow/market/internal/ton"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var (
	_ Store            = (*Repository)(nil)
	_ ton.WalletLocker = (*Repository)(nil)
)

const withdrawalColumns = `id, user_id, idempotency_key, to_address, amount_nano, comment, status,
	from_wallet, wallet_version, seqno, tx_hash, reversed, error, created_at, updated_at, broadcast_at, confirmed_at`

func scanWithdrawal(row pgx.Row) (*models.Withdrawal, error) {
	var w models.Withdrawal
	var seqno *int64
	err := row.Scan(&w.ID, &w.UserID, &w.IdempotencyKey, &w.ToAddress, &w.Amount, &w.Comment, &w.Status,
		&w.FromWallet, &w.WalletVersion, &seqno, &w.TxHash, &w.Reversed, &w.Error,
		&w.CreatedAt, &w.UpdatedAt, &w.BroadcastAt, &w.ConfirmedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if seqno != nil {
		s := uint32(*seqno)
		w.Seqno = &s
	}
	return &w, nil
}

func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, w *models.Withdrawal) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO withdrawals (id, user_id, idempotency_key, to_address, amount_nano, comment, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, w.ID, w.UserID, w.IdempotencyKey, w.ToAddress, w.Amount, w.Comment, w.Status).Scan(&w.CreatedAt, &w.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return models.ErrDuplicate
	}
	return err
}

func (r *Repository) GetByKey(ctx context.Context, tx pgx.Tx, userID uuid.UUID, key string) (*models.Withdrawal, error) {
	return scanWithdrawal(tx.QueryRow(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE user_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`, userID, key))
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	return scanWithdrawal(r.pool.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id))
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Withdrawal, error) {
	return scanWithdrawal(tx.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1 FOR UPDATE`, id))
}

func (r *Repository) UpdateTx(ctx context.Context, tx pgx.Tx, w *models.Withdrawal) error {
	var seqno *int64
	if w.Seqno != nil {
		s := int64(*w.Seqno)
		seqno = &s
	}
	err := tx.QueryRow(ctx, `
		UPDATE withdrawals SET status = $2, from_wallet = $3, wallet_version = $4, seqno = $5,
			tx_hash = $6, reversed = $7, error = $8, broadcast_at = $9, confirmed_at = $10, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, w.ID, w.Status, w.FromWallet, w.WalletVersion, seqno, w.TxHash, w.Reversed, w.Error,
		w.BroadcastAt, w.ConfirmedAt).Scan(&w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Withdrawal, error) {
	return r.list(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
}

func (r *Repository) ListByStatus(ctx context.Context, statuses []string, limit int) ([]*models.Withdrawal, error) {
	return r.list(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE status = ANY($1) ORDER BY created_at DESC LIMIT $2`, statuses, limit)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]*models.Withdrawal, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// LockWallet takes a session advisory lock keyed by the wallet address on a
// dedicated connection and reports the newest seqno recorded for it. The lock
// is dropped with the connection if the unlock fails.
func (r *Repository) LockWallet(ctx context.Context, wallet string) (*ton.WalletLease, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	key := "wallet:" + wallet
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
		conn.Release()
		return nil, err
	}
	lease := &ton.WalletLease{Release: func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
			_ = conn.Hijack().Close(unlockCtx)
			return
		}
		conn.Release()
	}}

	var seqno int64
	var at *time.Time
	err = conn.QueryRow(ctx, `
		SELECT seqno, broadcast_at FROM withdrawals
		WHERE from_wallet = $1 AND seqno IS NOT NULL
		ORDER BY seqno DESC, broadcast_at DESC
		LIMIT 1
	`, wallet).Scan(&seqno, &at)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return lease, nil
	case err != nil:
		lease.Release()
		return nil, err
	}
	lease.Last, lease.Used = uint32(seqno), true
	if at != nil {
		lease.LastAt = *at
	}
	return lease, nil
}
