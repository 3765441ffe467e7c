package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blackmirrow/market/internal/models"
)

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

const userColumns = `id, telegram_id, username, first_name, last_name, age, gender, country, referrer_id,
	referral_code, role, is_banned, ban_until, ban_reason, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	var telegramID *int64
	err := row.Scan(&u.ID, &telegramID, &u.Username, &u.FirstName, &u.LastName, &u.Age, &u.Gender, &u.Country,
		&u.ReferrerID, &u.ReferralCode, &u.Role, &u.IsBanned, &u.BanUntil, &u.BanReason, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if telegramID != nil {
		u.TelegramID = *telegramID
	}
	return &u, nil
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *UserRepo) GetByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id = $1`, telegramID))
}

func (r *UserRepo) GetByReferralCode(ctx context.Context, code string) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE referral_code = $1`, code))
}

// CreateTx inserts the user together with an empty balance row. A taken
// telegram id or referral code is reported as models.ErrDuplicate.
func (r *UserRepo) CreateTx(ctx context.Context, tx pgx.Tx, u *models.User) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO users (id, telegram_id, username, first_name, last_name, referrer_id, referral_code, role)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, u.ID, u.TelegramID, u.Username, u.FirstName, u.LastName, u.ReferrerID, u.ReferralCode, u.Role).Scan(&u.CreatedAt, &u.UpdatedAt)
	if isUniqueViolation(err) {
		return models.ErrDuplicate
	}
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO balances (user_id) VALUES ($1)`, u.ID)
	return err
}

// TouchNames refreshes the Telegram display fields on login.
func (r *UserRepo) TouchNames(ctx context.Context, u *models.User) error {
	return notFound(r.pool.QueryRow(ctx, `
		UPDATE users SET username = $2, first_name = $3, last_name = $4, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, u.ID, u.Username, u.FirstName, u.LastName).Scan(&u.UpdatedAt))
}

func (r *UserRepo) UpdateProfile(ctx context.Context, u *models.User) error {
	return notFound(r.pool.QueryRow(ctx, `
		UPDATE users SET age = $2, gender = $3, country = $4, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, u.ID, u.Age, u.Gender, u.Country).Scan(&u.UpdatedAt))
}

func (r *UserRepo) BanTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, until time.Time, reason string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE users SET is_banned = TRUE, ban_until = $2, ban_reason = $3, updated_at = now()
		WHERE id = $1
	`, userID, until, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *UserRepo) Unban(ctx context.Context, userID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET is_banned = FALSE, ban_until = NULL, ban_reason = '', updated_at = now()
		WHERE id = $1
	`, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListReferrals returns the users invited by referrerID, newest first, with
// the commission each of them has produced.
func (r *UserRepo) ListReferrals(ctx context.Context, referrerID uuid.UUID, limit int) ([]*models.ReferredUser, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT u.id, u.username, u.first_name, u.created_at, COALESCE(SUM(e.amount), 0)
		FROM users u
		LEFT JOIN referral_earnings e ON e.referred_id = u.id AND e.referrer_id = u.referrer_id
		WHERE u.referrer_id = $1
		GROUP BY u.id
		ORDER BY u.created_at DESC
		LIMIT $2
	`, referrerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*models.ReferredUser
	for rows.Next() {
		var ru models.ReferredUser
		if err := rows.Scan(&ru.UserID, &ru.Username, &ru.FirstName, &ru.JoinedAt, &ru.Earned); err != nil {
			return nil, err
		}
		list = append(list, &ru)
	}
	return list, rows.Err()
}

// ReferralTotals returns the number of invitees and the lifetime commission earned.
func (r *UserRepo) ReferralTotals(ctx context.Context, referrerID uuid.UUID) (count int, earned int64, err error) {
	err = r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users WHERE referrer_id = $1),
			(SELECT COALESCE(SUM(amount), 0) FROM referral_earnings WHERE referrer_id = $1)
	`, referrerID).Scan(&count, &earned)
	return count, earned, err
}
