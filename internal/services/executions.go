package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/blackmirrow/market/internal/models"
)

const (
	reasonUnsubscribed        = "unsubscribed during holding period"
	reasonVerificationMissing = "verification not received"
	reasonCommentTimeout      = "comment verification timed out"
	reasonCommentViolation    = "comment violates content policy"
)

// ExecutionMachine moves executions through started, pending_verification and
// the terminal settled or rejected states. Terminal executions never change again.
type ExecutionMachine struct {
	DB         TxBeginner
	Tasks      TaskStore
	Executions ExecutionStore
	Users      UserStore
	Escrow     *Escrow
	Enqueue    Enqueuer
	Notifier   Notifier
	Logger     *slog.Logger

	Hold           time.Duration
	Grace          time.Duration
	CommentTimeout time.Duration
	BanDuration    time.Duration

	Now func() time.Time
}

// Verdict is a verifier callback.
type Verdict struct {
	ExecutionID uuid.UUID `json:"execution_id"`
	Outcome     string    `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
}

// HoldResult tells the hold-expiry job whether to run again.
type HoldResult struct {
	Done      bool
	RecheckAt time.Time
}

// afterCommit collects side effects that must only happen once the transaction committed.
type afterCommit []func(ctx context.Context)

func (a afterCommit) run(ctx context.Context) {
	for _, fn := range a {
		fn(ctx)
	}
}

func (m *ExecutionMachine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Get returns an execution for status queries.
func (m *ExecutionMachine) Get(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	return m.Executions.GetByID(ctx, id)
}

// begin applies the type-specific first transition to a freshly created
// execution. Views settle here, inside the start transaction.
func (m *ExecutionMachine) begin(ctx context.Context, tx pgx.Tx, task *models.Task, exec *models.Execution, user *models.User) (afterCommit, error) {
	now := exec.StartedAt
	switch task.Type {
	case models.TaskTypeView:
		return m.settle(ctx, tx, task, exec, user)
	case models.TaskTypeSubscription:
		holdEnds := now.Add(m.Hold)
		exec.State = models.ExecutionPendingVerification
		exec.HoldEndsAt = &holdEnds
		if err := m.Executions.UpdateTx(ctx, tx, exec); err != nil {
			return nil, err
		}
		if err := m.Enqueue.RequestVerification(ctx, tx, exec.ID); err != nil {
			return nil, fmt.Errorf("enqueue verification: %w", err)
		}
		if err := m.Enqueue.ScheduleHoldExpiry(ctx, tx, exec.ID, holdEnds); err != nil {
			return nil, fmt.Errorf("schedule hold expiry: %w", err)
		}
	case models.TaskTypeComment:
		exec.State = models.ExecutionPendingVerification
		if err := m.Executions.UpdateTx(ctx, tx, exec); err != nil {
			return nil, err
		}
		if err := m.Enqueue.RequestVerification(ctx, tx, exec.ID); err != nil {
			return nil, fmt.Errorf("enqueue verification: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown task type %q: %w", task.Type, models.ErrInvalidState)
	}
	return nil, nil
}

// HandleVerdict applies a verifier callback. A callback for a terminal
// execution is a no-op and returns the execution unchanged.
func (m *ExecutionMachine) HandleVerdict(ctx context.Context, v Verdict) (*models.Execution, error) {
	if v.Outcome != models.OutcomeVerified && v.Outcome != models.OutcomeRejected {
		return nil, fmt.Errorf("unknown outcome %q: %w", v.Outcome, ErrValidation)
	}

	tx, err := m.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	exec, err := m.Executions.GetForUpdate(ctx, tx, v.ExecutionID)
	if err != nil {
		return nil, err
	}
	if exec.Terminal() {
		m.Logger.Info("duplicate verifier callback ignored", "execution_id", exec.ID, "state", exec.State, "outcome", v.Outcome)
		return exec, nil
	}
	if exec.State != models.ExecutionPendingVerification {
		return nil, fmt.Errorf("execution %s is %s: %w", exec.ID, exec.State, models.ErrInvalidState)
	}
	task, err := m.Tasks.GetForUpdate(ctx, tx, exec.TaskID)
	if err != nil {
		return nil, err
	}
	user, err := m.Users.GetByID(ctx, exec.UserID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	var after afterCommit
	switch {
	case v.Outcome == models.OutcomeVerified && exec.TaskType == models.TaskTypeSubscription:
		if exec.VerifiedAt == nil {
			exec.VerifiedAt = &now
		}
		if exec.HoldElapsed(now) {
			after, err = m.settle(ctx, tx, task, exec, user)
		} else {
			err = m.Executions.UpdateTx(ctx, tx, exec)
		}
	case v.Outcome == models.OutcomeVerified:
		exec.VerifiedAt = &now
		after, err = m.settle(ctx, tx, task, exec, user)
	case exec.TaskType == models.TaskTypeComment:
		reason := v.Reason
		if reason == "" {
			reason = reasonCommentViolation
		}
		after, err = m.reject(ctx, tx, task, exec, reason)
		if err == nil {
			var ban afterCommit
			ban, err = m.ban(ctx, tx, user, reason)
			after = append(after, ban...)
		}
	default:
		reason := v.Reason
		if reason == "" {
			reason = reasonUnsubscribed
		}
		after, err = m.reject(ctx, tx, task, exec, reason)
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	after.run(ctx)
	return exec, nil
}

// ExpireHold runs when a subscription's holding window should be over. A
// verified execution settles. An unverified one gets one more verification
// request and is rejected once the grace period has also passed.
func (m *ExecutionMachine) ExpireHold(ctx context.Context, id uuid.UUID) (HoldResult, error) {
	tx, err := m.DB.Begin(ctx)
	if err != nil {
		return HoldResult{}, err
	}
	defer tx.Rollback(ctx)

	exec, err := m.Executions.GetForUpdate(ctx, tx, id)
	if err != nil {
		return HoldResult{}, err
	}
	if exec.Terminal() {
		return HoldResult{Done: true}, nil
	}
	now := m.now()
	if !exec.HoldElapsed(now) {
		return HoldResult{RecheckAt: *exec.HoldEndsAt}, nil
	}

	task, err := m.Tasks.GetForUpdate(ctx, tx, exec.TaskID)
	if err != nil {
		return HoldResult{}, err
	}

	var after afterCommit
	result := HoldResult{Done: true}
	deadline := exec.HoldEndsAt.Add(m.Grace)
	switch {
	case exec.VerifiedAt != nil:
		user, uerr := m.Users.GetByID(ctx, exec.UserID)
		if uerr != nil {
			return HoldResult{}, uerr
		}
		after, err = m.settle(ctx, tx, task, exec, user)
	case !now.Before(deadline):
		after, err = m.reject(ctx, tx, task, exec, reasonVerificationMissing)
	default:
		err = m.Enqueue.RequestVerification(ctx, tx, exec.ID)
		result = HoldResult{RecheckAt: deadline}
	}
	if err != nil {
		return HoldResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return HoldResult{}, err
	}
	after.run(ctx)
	return result, nil
}

// SweepStaleComments rejects comment executions that waited longer than
// CommentTimeout for a verdict. No ban is applied.
func (m *ExecutionMachine) SweepStaleComments(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.CommentTimeout)
	stale, err := m.Executions.ListStalePending(ctx, models.TaskTypeComment, cutoff, 100)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range stale {
		rejected, err := m.rejectStale(ctx, e.ID, cutoff)
		if err != nil {
			m.Logger.Error("sweep stale comment", "execution_id", e.ID, "error", err)
			continue
		}
		if rejected {
			n++
		}
	}
	return n, nil
}

func (m *ExecutionMachine) rejectStale(ctx context.Context, id uuid.UUID, cutoff time.Time) (bool, error) {
	tx, err := m.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	exec, err := m.Executions.GetForUpdate(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if exec.State != models.ExecutionPendingVerification || !exec.StartedAt.Before(cutoff) {
		return false, nil
	}
	task, err := m.Tasks.GetForUpdate(ctx, tx, exec.TaskID)
	if err != nil {
		return false, err
	}
	if _, err := m.reject(ctx, tx, task, exec, reasonCommentTimeout); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// VerificationRequest describes what the verifier bot must check.
type VerificationRequest struct {
	ExecutionID uuid.UUID  `json:"execution_id"`
	TaskID      uuid.UUID  `json:"task_id"`
	TaskType    string     `json:"task_type"`
	TelegramID  int64      `json:"telegram_id"`
	ChannelID   string     `json:"channel_id,omitempty"`
	PostURL     string     `json:"post_url,omitempty"`
	Instruction string     `json:"instruction,omitempty"`
	HoldEndsAt  *time.Time `json:"hold_ends_at,omitempty"`
}

// VerificationRequest builds the verifier payload, or returns nil when the
// execution no longer needs verifying.
func (m *ExecutionMachine) VerificationRequest(ctx context.Context, id uuid.UUID) (*VerificationRequest, error) {
	exec, err := m.Executions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.State != models.ExecutionPendingVerification {
		return nil, nil
	}
	task, err := m.Tasks.GetByID(ctx, exec.TaskID)
	if err != nil {
		return nil, err
	}
	user, err := m.Users.GetByID(ctx, exec.UserID)
	if err != nil {
		return nil, err
	}
	return &VerificationRequest{
		ExecutionID: exec.ID,
		TaskID:      task.ID,
		TaskType:    task.Type,
		TelegramID:  user.TelegramID,
		ChannelID:   task.ChannelID,
		PostURL:     task.PostURL,
		Instruction: task.CommentInstruction,
		HoldEndsAt:  exec.HoldEndsAt,
	}, nil
}

// settle pays the execution out of task escrow and marks the task completed
// when the last slot settles.
func (m *ExecutionMachine) settle(ctx context.Context, tx pgx.Tx, task *models.Task, exec *models.Execution, user *models.User) (afterCommit, error) {
	payout, err := m.Escrow.Settle(ctx, tx, task, exec, user)
	if err != nil {
		return nil, fmt.Errorf("settle execution %s: %w", exec.ID, err)
	}
	now := m.now()
	exec.State = models.ExecutionSettled
	exec.FinishedAt = &now
	if exec.VerifiedAt == nil {
		exec.VerifiedAt = &now
	}
	if err := m.Executions.UpdateTx(ctx, tx, exec); err != nil {
		return nil, err
	}
	task.CompletedSlots++
	if task.CompletedSlots >= task.TotalSlots && task.Status != models.TaskStatusCancelled {
		task.Status = models.TaskStatusCompleted
	}
	if err := m.Tasks.UpdateTx(ctx, tx, task); err != nil {
		return nil, err
	}

	m.Logger.Info("execution settled", "execution_id", exec.ID, "task_id", task.ID,
		"executor", payout.Executor, "fee", payout.Fee, "commission", payout.Commission)
	if m.Notifier == nil || payout.Executor == 0 {
		return nil, nil
	}
	tgID, amount := user.TelegramID, payout.Executor
	return afterCommit{func(ctx context.Context) {
		if err := m.Notifier.NotifyPayout(ctx, tgID, amount); err != nil {
			m.Logger.Warn("payout notice failed", "execution_id", exec.ID, "error", err)
		}
	}}, nil
}

// reject ends the execution without paying the executor. The slot returns to
// the task unless the task was cancelled, in which case the reward goes back
// to the creator.
func (m *ExecutionMachine) reject(ctx context.Context, tx pgx.Tx, task *models.Task, exec *models.Execution, reason string) (afterCommit, error) {
	now := m.now()
	exec.State = models.ExecutionRejected
	exec.FinishedAt = &now
	exec.RejectReason = reason
	if err := m.Executions.UpdateTx(ctx, tx, exec); err != nil {
		return nil, err
	}
	if task.Status == models.TaskStatusCancelled {
		if err := m.Escrow.ReleaseToCreator(ctx, tx, task, exec.Reward, &exec.ID); err != nil {
			return nil, err
		}
	} else {
		task.RemainingSlots++
		if err := m.Tasks.UpdateTx(ctx, tx, task); err != nil {
			return nil, err
		}
	}
	m.Logger.Info("execution rejected", "execution_id", exec.ID, "task_id", task.ID, "reason", reason)
	return nil, nil
}

func (m *ExecutionMachine) ban(ctx context.Context, tx pgx.Tx, user *models.User, reason string) (afterCommit, error) {
	until := m.now().Add(m.BanDuration)
	if err := m.Users.BanTx(ctx, tx, user.ID, until, reason); err != nil {
		return nil, fmt.Errorf("ban user %s: %w", user.ID, err)
	}
	m.Logger.Warn("user banned", "user_id", user.ID, "until", until, "reason", reason)
	if m.Notifier == nil {
		return nil, nil
	}
	tgID := user.TelegramID
	return afterCommit{func(ctx context.Context) {
		if err := m.Notifier.NotifyBan(ctx, tgID, until, reason); err != nil {
			m.Logger.Warn("ban notice failed", "user_id", user.ID, "error", err)
		}
	}}, nil
}
