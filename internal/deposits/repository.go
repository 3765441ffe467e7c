package deposits

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
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

const depositColumns = `id, tx_hash, lt, from_address, amount_nano, memo, user_id, status, processed, confirmations, created_at, processed_at`

func scanDeposit(row pgx.Row) (*models.Deposit, error) {
	var d models.Deposit
	var lt int64
	err := row.Scan(&d.ID, &d.TxHash, &lt, &d.FromAddress, &d.Amount, &d.Memo, &d.UserID, &d.Status,
		&d.Processed, &d.Confirmations, &d.CreatedAt, &d.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.LT = uint64(lt)
	return &d, nil
}

// rejectedRow reports constraint and data errors that retrying cannot fix.
func rejectedRow(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23514" || strings.HasPrefix(pgErr.Code, "22")
}

// InsertTx records the deposit unless its tx hash is already known. A row
// the table rejects is reported as models.ErrInvalidDeposit.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, d *models.Deposit) (bool, error) {
	err := tx.QueryRow(ctx, `
		INSERT INTO deposits (id, tx_hash, lt, from_address, amount_nano, memo, status, confirmations)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tx_hash) DO NOTHING
		RETURNING created_at
	`, d.ID, d.TxHash, int64(d.LT), d.FromAddress, d.Amount, d.Memo, d.Status, d.Confirmations).Scan(&d.CreatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return false, nil
	case rejectedRow(err):
		return false, fmt.Errorf("%w: %v", models.ErrInvalidDeposit, err)
	case err != nil:
		return false, err
	}
	return true, nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Deposit, error) {
	return scanDeposit(tx.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposits WHERE id = $1 FOR UPDATE`, id))
}

func (r *Repository) UpdateTx(ctx context.Context, tx pgx.Tx, d *models.Deposit) error {
	tag, err := tx.Exec(ctx, `
		UPDATE deposits SET user_id = $2, status = $3, processed = $4, processed_at = $5
		WHERE id = $1
	`, d.ID, d.UserID, d.Status, d.Processed, d.ProcessedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *Repository) ListUnmatched(ctx context.Context, limit int) ([]*models.Deposit, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+depositColumns+` FROM deposits
		WHERE status = $1 AND NOT processed
		ORDER BY lt
		LIMIT $2
	`, models.DepositUnmatched, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// LastLT is the logical time of the newest recorded deposit, the poll cursor after a restart.
func (r *Repository) LastLT(ctx context.Context) (uint64, error) {
	var lt int64
	if err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(lt), 0) FROM deposits`).Scan(&lt); err != nil {
		return 0, err
	}
	return uint64(lt), nil
}
