package execution

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
)

var errNotBound = errors.New("river client not bound")

// Enqueuer inserts jobs inside the caller's transaction, so a job exists
// exactly when the state change that needs it commits. The client is bound
// after construction because the workers need the services that need the
// enqueuer.
type Enqueuer struct {
	mu     sync.Mutex
	client *river.Client[pgx.Tx]
}

func NewEnqueuer() *Enqueuer {
	return &Enqueuer{}
}

func (e *Enqueuer) Bind(client *river.Client[pgx.Tx]) {
	e.mu.Lock()
	e.client = client
	e.mu.Unlock()
}

func (e *Enqueuer) insert(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) error {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return errNotBound
	}
	_, err := client.InsertTx(ctx, tx, args, opts)
	return err
}

func (e *Enqueuer) RequestVerification(ctx context.Context, tx pgx.Tx, executionID uuid.UUID) error {
	return e.insert(ctx, tx, VerificationArgs{ExecutionID: executionID}, nil)
}

func (e *Enqueuer) ScheduleHoldExpiry(ctx context.Context, tx pgx.Tx, executionID uuid.UUID, at time.Time) error {
	return e.insert(ctx, tx, HoldExpiryArgs{ExecutionID: executionID}, &river.InsertOpts{ScheduledAt: at})
}

func (e *Enqueuer) Broadcast(ctx context.Context, tx pgx.Tx, withdrawalID uuid.UUID) error {
	return e.insert(ctx, tx, WithdrawalBroadcastArgs{WithdrawalID: withdrawalID}, nil)
}

func (e *Enqueuer) Confirm(ctx context.Context, tx pgx.Tx, withdrawalID uuid.UUID) error {
	return e.insert(ctx, tx, WithdrawalConfirmArgs{WithdrawalID: withdrawalID}, &river.InsertOpts{
		ScheduledAt: time.Now().Add(10 * time.Second),
	})
}

// Register adds every worker to workers.
func Register(workers *river.Workers, v *VerificationWorker, h *HoldExpiryWorker, b *WithdrawalBroadcastWorker, c *WithdrawalConfirmWorker) {
	river.AddWorker(workers, v)
	river.AddWorker(workers, h)
	river.AddWorker(workers, b)
	river.AddWorker(workers, c)
}
