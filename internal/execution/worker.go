package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/blackmirrow/market/internal/models"
	"github.com/blackmirrow/market/internal/services"
)

// ---- Job args ----

type VerificationArgs struct {
	ExecutionID uuid.UUID `json:"execution_id"`
}

func (VerificationArgs) Kind() string { return "request_verification" }

func (VerificationArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 8}
}

type HoldExpiryArgs struct {
	ExecutionID uuid.UUID `json:"execution_id"`
}

func (HoldExpiryArgs) Kind() string { return "subscription_hold_expiry" }

type WithdrawalBroadcastArgs struct {
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
}

func (WithdrawalBroadcastArgs) Kind() string { return "withdrawal_broadcast" }

func (WithdrawalBroadcastArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 3}
}

type WithdrawalConfirmArgs struct {
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
}

func (WithdrawalConfirmArgs) Kind() string { return "withdrawal_confirm" }

// ---- Contracts the workers need ----

// Verifications builds verifier payloads and applies verdicts.
type Verifications interface {
	VerificationRequest(ctx context.Context, id uuid.UUID) (*services.VerificationRequest, error)
	HandleVerdict(ctx context.Context, v services.Verdict) (*models.Execution, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req *services.VerificationRequest) error
}

type HoldExpirer interface {
	ExpireHold(ctx context.Context, id uuid.UUID) (services.HoldResult, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, id uuid.UUID) error
}

type Confirmer interface {
	Confirm(ctx context.Context, id uuid.UUID) (bool, error)
}

// ---- Workers ----

// VerificationWorker posts a pending execution to the verifier. A verifier
// that refuses the execution outright rejects it; other failures are
// retried by River.
type VerificationWorker struct {
	river.WorkerDefaults[VerificationArgs]
	machine    Verifications
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewVerificationWorker(m Verifications, d Dispatcher, logger *slog.Logger) *VerificationWorker {
	return &VerificationWorker{machine: m, dispatcher: d, logger: logger}
}

func (w *VerificationWorker) Timeout(*river.Job[VerificationArgs]) time.Duration {
	return 30 * time.Second
}

func (w *VerificationWorker) Work(ctx context.Context, job *river.Job[VerificationArgs]) error {
	id := job.Args.ExecutionID
	req, err := w.machine.VerificationRequest(ctx, id)
	if err != nil {
		return fmt.Errorf("build verification request: %w", err)
	}
	if req == nil {
		return nil
	}

	err = w.dispatcher.Dispatch(ctx, req)
	if errors.Is(err, models.ErrVerificationRejected) {
		w.logger.Info("verifier refused execution", "execution_id", id)
		_, verr := w.machine.HandleVerdict(ctx, services.Verdict{
			ExecutionID: id,
			Outcome:     models.OutcomeRejected,
			Reason:      "refused by verifier",
		})
		if verr != nil && !errors.Is(verr, models.ErrInvalidState) {
			return fmt.Errorf("apply verifier refusal: %w", verr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("dispatch verification: %w", err)
	}
	return nil
}

// HoldExpiryWorker settles or rejects a subscription after its holding
// window, snoozing while a decision is still open.
type HoldExpiryWorker struct {
	river.WorkerDefaults[HoldExpiryArgs]
	machine HoldExpirer
	now     func() time.Time
}

func NewHoldExpiryWorker(m HoldExpirer) *HoldExpiryWorker {
	return &HoldExpiryWorker{machine: m, now: time.Now}
}

func (w *HoldExpiryWorker) Work(ctx context.Context, job *river.Job[HoldExpiryArgs]) error {
	res, err := w.machine.ExpireHold(ctx, job.Args.ExecutionID)
	if err != nil {
		return fmt.Errorf("expire hold: %w", err)
	}
	if res.Done {
		return nil
	}
	return river.JobSnooze(snoozeUntil(res.RecheckAt, w.now()))
}

// WithdrawalBroadcastWorker signs and sends a debited withdrawal.
type WithdrawalBroadcastWorker struct {
	river.WorkerDefaults[WithdrawalBroadcastArgs]
	withdrawals Broadcaster
}

func NewWithdrawalBroadcastWorker(b Broadcaster) *WithdrawalBroadcastWorker {
	return &WithdrawalBroadcastWorker{withdrawals: b}
}

func (w *WithdrawalBroadcastWorker) Timeout(*river.Job[WithdrawalBroadcastArgs]) time.Duration {
	return 2 * time.Minute
}

func (w *WithdrawalBroadcastWorker) Work(ctx context.Context, job *river.Job[WithdrawalBroadcastArgs]) error {
	return w.withdrawals.Broadcast(ctx, job.Args.WithdrawalID)
}

// WithdrawalConfirmWorker polls the chain until a broadcast withdrawal is
// confirmed or proven lost.
type WithdrawalConfirmWorker struct {
	river.WorkerDefaults[WithdrawalConfirmArgs]
	withdrawals Confirmer
	interval    time.Duration
}

func NewWithdrawalConfirmWorker(c Confirmer, interval time.Duration) *WithdrawalConfirmWorker {
	return &WithdrawalConfirmWorker{withdrawals: c, interval: interval}
}

func (w *WithdrawalConfirmWorker) Work(ctx context.Context, job *river.Job[WithdrawalConfirmArgs]) error {
	done, err := w.withdrawals.Confirm(ctx, job.Args.WithdrawalID)
	if err != nil {
		return fmt.Errorf("confirm withdrawal: %w", err)
	}
	if !done {
		return river.JobSnooze(w.interval)
	}
	return nil
}

func snoozeUntil(at, now time.Time) time.Duration {
	d := at.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d
}
