package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/blackmirrow/market/internal/metrics"
	"github.com/blackmirrow/market/internal/models"
)

// SlotAllocator owns the task lifecycle and hands out execution slots. All
// slot accounting happens under the task's row lock.
type SlotAllocator struct {
	DB         TxBeginner
	Tasks      TaskStore
	Executions ExecutionStore
	Users      UserStore
	Escrow     *Escrow
	Machine    *ExecutionMachine
	Logger     *slog.Logger

	// DailyLimit caps subscription starts per user over a rolling 24h
	// window. Zero disables it.
	DailyLimit int

	Now func() time.Time
}

// CreateTaskInput is the validated body of a task creation request.
type CreateTaskInput struct {
	Title              string           `json:"title"`
	Description        string           `json:"description"`
	Type               string           `json:"type"`
	PricePerSlot       int64            `json:"price_per_slot"`
	TotalSlots         int              `json:"total_slots"`
	Targeting          models.Targeting `json:"targeting"`
	ChannelID          string           `json:"channel_id"`
	PostURL            string           `json:"post_url"`
	CommentInstruction string           `json:"comment_instruction"`
}

func (in CreateTaskInput) validate() error {
	switch {
	case strings.TrimSpace(in.Title) == "":
		return fmt.Errorf("%w: title is required", ErrValidation)
	case !models.ValidTaskType(in.Type):
		return fmt.Errorf("%w: unknown task type %q", ErrValidation, in.Type)
	case in.PricePerSlot <= 0:
		return fmt.Errorf("%w: price_per_slot must be positive", ErrValidation)
	case in.TotalSlots < 1:
		return fmt.Errorf("%w: total_slots must be at least 1", ErrValidation)
	case in.PricePerSlot > math.MaxInt64/int64(in.TotalSlots):
		return fmt.Errorf("%w: task budget overflows", ErrValidation)
	case in.Type == models.TaskTypeSubscription && in.ChannelID == "":
		return fmt.Errorf("%w: subscription tasks need channel_id", ErrValidation)
	case in.Type != models.TaskTypeSubscription && in.PostURL == "":
		return fmt.Errorf("%w: %s tasks need post_url", ErrValidation, in.Type)
	}
	t := in.Targeting
	if t.AgeMin != nil && t.AgeMax != nil && *t.AgeMin > *t.AgeMax {
		return fmt.Errorf("%w: age_min exceeds age_max", ErrValidation)
	}
	return nil
}

func (s *SlotAllocator) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Create stores a new active task and escrows price_per_slot × total_slots
// from the creator's active balance.
func (s *SlotAllocator) Create(ctx context.Context, creatorID uuid.UUID, in CreateTaskInput) (*models.Task, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	task := &models.Task{
		ID:                 uuid.New(),
		CreatorID:          creatorID,
		Title:              strings.TrimSpace(in.Title),
		Description:        in.Description,
		Type:               strings.ToLower(in.Type),
		PricePerSlot:       in.PricePerSlot,
		TotalSlots:         in.TotalSlots,
		RemainingSlots:     in.TotalSlots,
		Status:             models.TaskStatusActive,
		Targeting:          in.Targeting,
		ChannelID:          in.ChannelID,
		PostURL:            in.PostURL,
		CommentInstruction: in.CommentInstruction,
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := s.Tasks.CreateTx(ctx, tx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if err := s.Escrow.LockTask(ctx, tx, task); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.Logger.Info("task created", "task_id", task.ID, "creator_id", creatorID, "type", task.Type,
		"slots", task.TotalSlots, "escrow", task.EscrowTotal())
	return task, nil
}

// Start allocates one slot of the task to the user. A repeated start for the
// same pair returns the existing execution together with models.ErrAlreadyStarted.
func (s *SlotAllocator) Start(ctx context.Context, taskID, userID uuid.UUID) (*models.Execution, error) {
	user, err := s.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if user.BannedAt(now) {
		return nil, models.ErrUserBanned
	}
	if user.IsBanned {
		if err := s.Users.Unban(ctx, user.ID); err != nil {
			return nil, fmt.Errorf("lift expired ban: %w", err)
		}
	}

	exec, err := s.start(ctx, taskID, user, now)
	if errors.Is(err, models.ErrAlreadyStarted) && exec == nil {
		// A concurrent start for the same pair won the unique constraint.
		tx, berr := s.DB.Begin(ctx)
		if berr != nil {
			return nil, berr
		}
		defer tx.Rollback(ctx)
		existing, gerr := s.Executions.GetByUserTask(ctx, tx, userID, taskID)
		if gerr != nil {
			return nil, gerr
		}
		return existing, models.ErrAlreadyStarted
	}
	return exec, err
}

func (s *SlotAllocator) start(ctx context.Context, taskID uuid.UUID, user *models.User, now time.Time) (*models.Execution, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	task, err := s.Tasks.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	existing, err := s.Executions.GetByUserTask(ctx, tx, user.ID, taskID)
	if err == nil {
		return existing, models.ErrAlreadyStarted
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if task.CreatorID == user.ID {
		return nil, fmt.Errorf("%w: creators cannot execute their own task", models.ErrForbidden)
	}
	if task.Status != models.TaskStatusActive {
		return nil, models.ErrTaskNotActive
	}
	if !Matches(task.Targeting, user) {
		return nil, models.ErrTargetingMismatch
	}
	if task.RemainingSlots <= 0 {
		return nil, models.ErrSlotUnavailable
	}
	if err := s.checkDailyLimit(ctx, tx, task, user.ID, now); err != nil {
		return nil, err
	}

	task.RemainingSlots--
	if err := s.Tasks.UpdateTx(ctx, tx, task); err != nil {
		return nil, err
	}
	exec := &models.Execution{
		ID:        uuid.New(),
		UserID:    user.ID,
		TaskID:    task.ID,
		TaskType:  task.Type,
		State:     models.ExecutionStarted,
		Reward:    task.PricePerSlot,
		StartedAt: now,
	}
	if err := s.Executions.CreateTx(ctx, tx, exec); err != nil {
		return nil, err
	}
	after, err := s.Machine.begin(ctx, tx, task, exec, user)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	after.run(ctx)
	s.Logger.Info("execution started", "execution_id", exec.ID, "task_id", task.ID, "user_id", user.ID, "state", exec.State)
	return exec, nil
}

// checkDailyLimit counts the user's subscription starts under their balance
// row lock, so concurrent starts on different tasks cannot both pass.
func (s *SlotAllocator) checkDailyLimit(ctx context.Context, tx pgx.Tx, task *models.Task, userID uuid.UUID, now time.Time) error {
	if s.DailyLimit <= 0 || task.Type != models.TaskTypeSubscription {
		return nil
	}
	if err := s.Escrow.Ledger.LockUsers(ctx, tx, userID); err != nil {
		return err
	}
	started, err := s.Executions.CountStartedSinceTx(ctx, tx, userID, task.Type, now.Add(-24*time.Hour))
	if err != nil {
		return fmt.Errorf("count daily starts: %w", err)
	}
	if started >= s.DailyLimit {
		metrics.StartRejections.WithLabelValues("daily_limit").Inc()
		return fmt.Errorf("%w: %d per 24h", models.ErrDailyLimit, s.DailyLimit)
	}
	return nil
}

// Pause stops new starts on an active task.
func (s *SlotAllocator) Pause(ctx context.Context, taskID, actorID uuid.UUID) (*models.Task, error) {
	return s.transition(ctx, taskID, actorID, models.TaskStatusActive, models.TaskStatusPaused)
}

// Resume reopens a paused task.
func (s *SlotAllocator) Resume(ctx context.Context, taskID, actorID uuid.UUID) (*models.Task, error) {
	return s.transition(ctx, taskID, actorID, models.TaskStatusPaused, models.TaskStatusActive)
}

func (s *SlotAllocator) transition(ctx context.Context, taskID, actorID uuid.UUID, from, to string) (*models.Task, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	task, err := s.Tasks.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if task.CreatorID != actorID {
		return nil, models.ErrForbidden
	}
	if task.Status != from {
		return nil, fmt.Errorf("task is %s, want %s: %w", task.Status, from, models.ErrInvalidState)
	}
	task.Status = to
	if err := s.Tasks.UpdateTx(ctx, tx, task); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.Logger.Info("task status changed", "task_id", task.ID, "from", from, "to", to)
	return task, nil
}

// Cancel closes the task and returns remaining_slots × price_per_slot from
// escrow to the creator. Executions already in flight keep their escrow and
// still reach a terminal state.
func (s *SlotAllocator) Cancel(ctx context.Context, taskID, actorID uuid.UUID) (*models.Task, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	task, err := s.Tasks.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if task.CreatorID != actorID {
		return nil, models.ErrForbidden
	}
	if task.Status != models.TaskStatusActive && task.Status != models.TaskStatusPaused {
		return nil, fmt.Errorf("task is %s: %w", task.Status, models.ErrInvalidState)
	}
	refund := int64(task.RemainingSlots) * task.PricePerSlot
	if err := s.Escrow.ReleaseToCreator(ctx, tx, task, refund, nil); err != nil {
		return nil, fmt.Errorf("release escrow: %w", err)
	}
	task.Status = models.TaskStatusCancelled
	task.RemainingSlots = 0
	if err := s.Tasks.UpdateTx(ctx, tx, task); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.Logger.Info("task cancelled", "task_id", task.ID, "refund", refund)
	return task, nil
}

// Get returns one task.
func (s *SlotAllocator) Get(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return s.Tasks.GetByID(ctx, id)
}

// ListByCreator returns the creator's tasks, newest first.
func (s *SlotAllocator) ListByCreator(ctx context.Context, creatorID uuid.UUID) ([]*models.Task, error) {
	return s.Tasks.ListByCreator(ctx, creatorID)
}
