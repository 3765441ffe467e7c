package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blackmirrow/market/internal/models"
)

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

const taskColumns = `id, creator_id, title, description, type, price_per_slot, total_slots, remaining_slots,
	completed_slots, status, targeting, channel_id, post_url, comment_instruction, created_at, updated_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	var targeting []byte
	err := row.Scan(&t.ID, &t.CreatorID, &t.Title, &t.Description, &t.Type, &t.PricePerSlot, &t.TotalSlots,
		&t.RemainingSlots, &t.CompletedSlots, &t.Status, &targeting, &t.ChannelID, &t.PostURL,
		&t.CommentInstruction, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if len(targeting) > 0 {
		if err := json.Unmarshal(targeting, &t.Targeting); err != nil {
			return nil, fmt.Errorf("decode targeting for task %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func (r *TaskRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	targeting, err := json.Marshal(t.Targeting)
	if err != nil {
		return err
	}
	return tx.QueryRow(ctx, `
		INSERT INTO tasks (id, creator_id, title, description, type, price_per_slot, total_slots, remaining_slots,
			completed_slots, status, targeting, channel_id, post_url, comment_instruction)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`, t.ID, t.CreatorID, t.Title, t.Description, t.Type, t.PricePerSlot, t.TotalSlots, t.RemainingSlots,
		t.CompletedSlots, t.Status, targeting, t.ChannelID, t.PostURL, t.CommentInstruction).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

// GetForUpdate locks the task row. Slot allocation for one task is serialized on this lock.
func (r *TaskRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	return scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
}

// UpdateTx writes the mutable counters and status. Title, price and targeting are fixed at creation.
func (r *TaskRepo) UpdateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	return notFound(tx.QueryRow(ctx, `
		UPDATE tasks SET remaining_slots = $2, completed_slots = $3, status = $4, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, t.ID, t.RemainingSlots, t.CompletedSlots, t.Status).Scan(&t.UpdatedAt))
}

// ListAvailable returns active tasks with free slots the user has never started, newest first.
func (r *TaskRepo) ListAvailable(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Task, error) {
	return r.list(ctx, `
		SELECT `+taskColumns+` FROM tasks t
		WHERE t.status = $1 AND t.remaining_slots > 0
			AND NOT EXISTS (SELECT 1 FROM executions e WHERE e.task_id = t.id AND e.user_id = $2)
		ORDER BY t.created_at DESC
		LIMIT $3
	`, models.TaskStatusActive, userID, limit)
}

func (r *TaskRepo) ListByCreator(ctx context.Context, creatorID uuid.UUID) ([]*models.Task, error) {
	return r.list(ctx, `SELECT `+taskColumns+` FROM tasks WHERE creator_id = $1 ORDER BY created_at DESC`, creatorID)
}

func (r *TaskRepo) list(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}
