package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/blackmirrow/market/internal/models"
)

// TxBeginner opens the transaction every balance-moving operation runs in.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TaskStore persists tasks. GetForUpdate holds the row lock that serializes
// slot allocation per task.
type TaskStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error
	ListAvailable(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Task, error)
	ListByCreator(ctx context.Context, creatorID uuid.UUID) ([]*models.Task, error)
}

// ExecutionStore persists executions. CreateTx reports models.ErrAlreadyStarted
// when the (user, task) pair already exists.
type ExecutionStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.Execution) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Execution, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Execution, error)
	GetByUserTask(ctx context.Context, tx pgx.Tx, userID, taskID uuid.UUID) (*models.Execution, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, e *models.Execution) error
	ListStalePending(ctx context.Context, taskType string, startedBefore time.Time, limit int) ([]*models.Execution, error)
	CountStartedSince(ctx context.Context, userID uuid.UUID, taskType string, since time.Time) (int, error)
	CountStartedSinceTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, taskType string, since time.Time) (int, error)
}

type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	BanTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, until time.Time, reason string) error
	Unban(ctx context.Context, userID uuid.UUID) error
}

// ReferralStore records commissions. CreateTx fails on a second earning for
// the same execution.
type ReferralStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.ReferralEarning) error
}

// Enqueuer schedules background work in the caller's transaction so the job
// exists if and only if the state change commits.
type Enqueuer interface {
	RequestVerification(ctx context.Context, tx pgx.Tx, executionID uuid.UUID) error
	ScheduleHoldExpiry(ctx context.Context, tx pgx.Tx, executionID uuid.UUID, at time.Time) error
}

// Notifier delivers user-facing notices. Calls happen after commit and are best effort.
type Notifier interface {
	NotifyBan(ctx context.Context, telegramID int64, until time.Time, reason string) error
	NotifyPayout(ctx context.Context, telegramID int64, amount int64) error
}
