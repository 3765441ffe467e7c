package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blackmirrow/market/internal/models"
)

type ReferralRepo struct {
	pool *pgxpool.Pool
}

func NewReferralRepo(pool *pgxpool.Pool) *ReferralRepo {
	return &ReferralRepo{pool: pool}
}

// CreateTx reports models.ErrDuplicate when the execution already paid a commission.
func (r *ReferralRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.ReferralEarning) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO referral_earnings (id, referrer_id, referred_id, execution_id, base, amount)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, e.ID, e.ReferrerID, e.ReferredID, e.ExecutionID, e.Base, e.Amount).Scan(&e.CreatedAt)
	if isUniqueViolation(err) {
		return models.ErrDuplicate
	}
	return err
}
