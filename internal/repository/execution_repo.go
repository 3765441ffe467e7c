package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blackmirrow/market/internal/models"
)

type ExecutionRepo struct {
	pool *pgxpool.Pool
}

func NewExecutionRepo(pool *pgxpool.Pool) *ExecutionRepo {
	return &ExecutionRepo{pool: pool}
}

const executionColumns = `id, user_id, task_id, task_type, state, reward, started_at, hold_ends_at,
	verified_at, finished_at, reject_reason, updated_at`

func scanExecution(row pgx.Row) (*models.Execution, error) {
	var e models.Execution
	err := row.Scan(&e.ID, &e.UserID, &e.TaskID, &e.TaskType, &e.State, &e.Reward, &e.StartedAt, &e.HoldEndsAt,
		&e.VerifiedAt, &e.FinishedAt, &e.RejectReason, &e.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// CreateTx reports models.ErrAlreadyStarted when the user already has an
// execution for the task, whatever its state.
func (r *ExecutionRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.Execution) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO executions (id, user_id, task_id, task_type, state, reward, started_at, hold_ends_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING updated_at
	`, e.ID, e.UserID, e.TaskID, e.TaskType, e.State, e.Reward, e.StartedAt, e.HoldEndsAt).Scan(&e.UpdatedAt)
	if isUniqueViolation(err) {
		return models.ErrAlreadyStarted
	}
	return err
}

func (r *ExecutionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	return scanExecution(r.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id))
}

func (r *ExecutionRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Execution, error) {
	return scanExecution(tx.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1 FOR UPDATE`, id))
}

// GetByUserTask reads inside tx when one is given, otherwise committed state.
func (r *ExecutionRepo) GetByUserTask(ctx context.Context, tx pgx.Tx, userID, taskID uuid.UUID) (*models.Execution, error) {
	const q = `SELECT ` + executionColumns + ` FROM executions WHERE user_id = $1 AND task_id = $2`
	if tx != nil {
		return scanExecution(tx.QueryRow(ctx, q, userID, taskID))
	}
	return scanExecution(r.pool.QueryRow(ctx, q, userID, taskID))
}

func (r *ExecutionRepo) UpdateTx(ctx context.Context, tx pgx.Tx, e *models.Execution) error {
	return notFound(tx.QueryRow(ctx, `
		UPDATE executions SET state = $2, hold_ends_at = $3, verified_at = $4, finished_at = $5,
			reject_reason = $6, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, e.ID, e.State, e.HoldEndsAt, e.VerifiedAt, e.FinishedAt, e.RejectReason).Scan(&e.UpdatedAt))
}

// ListStalePending returns executions of taskType still awaiting a verdict
// that started before startedBefore, oldest first.
func (r *ExecutionRepo) ListStalePending(ctx context.Context, taskType string, startedBefore time.Time, limit int) ([]*models.Execution, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE state = $1 AND task_type = $2 AND started_at < $3
		ORDER BY started_at
		LIMIT $4
	`, models.ExecutionPendingVerification, taskType, startedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

func (r *ExecutionRepo) CountStartedSince(ctx context.Context, userID uuid.UUID, taskType string, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM executions
		WHERE user_id = $1 AND task_type = $2 AND started_at >= $3
	`, userID, taskType, since).Scan(&n)
	return n, err
}

// CountStartedSinceTx counts inside tx, so a caller holding the user's
// balance lock sees every start committed before it.
func (r *ExecutionRepo) CountStartedSinceTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, taskType string, since time.Time) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM executions
		WHERE user_id = $1 AND task_type = $2 AND started_at >= $3
	`, userID, taskType, since).Scan(&n)
	return n, err
}

// StatsByType totals the user's settled executions per task type, with the
// ones finished at or after dayStart counted again as today.
func (r *ExecutionRepo) StatsByType(ctx context.Context, userID uuid.UUID, dayStart time.Time) (map[string]models.TaskStats, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT e.task_type,
			COUNT(*) FILTER (WHERE e.finished_at >= $3),
			COUNT(*),
			COALESCE(SUM(p.delta) FILTER (WHERE e.finished_at >= $3), 0),
			COALESCE(SUM(p.delta), 0)
		FROM executions e
		LEFT JOIN ledger_entries p
			ON p.execution_id = e.id AND p.user_id = e.user_id AND p.reason = $4 AND p.bucket = $5
		WHERE e.user_id = $1 AND e.state = $2
		GROUP BY e.task_type
	`, userID, models.ExecutionSettled, dayStart, models.EntrySettlementPayout, models.BucketActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]models.TaskStats)
	for rows.Next() {
		var taskType string
		var st models.TaskStats
		if err := rows.Scan(&taskType, &st.TodayCount, &st.TotalCount, &st.TodayEarned, &st.TotalEarned); err != nil {
			return nil, err
		}
		stats[taskType] = st
	}
	return stats, rows.Err()
}
