// Package withdrawals moves user funds out to TON addresses. A withdrawal is
// debited before anything is signed, recorded as broadcast before anything is
// sent, and reversed only when the chain proves the transfer can never land.
package withdrawals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/blackmirrow/market/internal/ledger"
	"github.com/blackmirrow/market/internal/metrics"
	"github.com/blackmirrow/market/internal/models"
	"github.com/blackmirrow/market/internal/ton"
)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store persists withdrawals. CreateTx reports models.ErrDuplicate when the
// user already used the idempotency key.
type Store interface {
	CreateTx(ctx context.Context, tx pgx.Tx, w *models.Withdrawal) error
	GetByKey(ctx context.Context, tx pgx.Tx, userID uuid.UUID, key string) (*models.Withdrawal, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Withdrawal, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, w *models.Withdrawal) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Withdrawal, error)
	ListByStatus(ctx context.Context, statuses []string, limit int) ([]*models.Withdrawal, error)
}

// Signer sends a transfer from the service wallet. persist runs between
// signing and sending.
type Signer interface {
	Transfer(ctx context.Context, t ton.Transfer, persist func(context.Context, *ton.Signed) error) (*ton.Signed, error)
}

// Tracker looks a broadcast transfer up in the wallet history written since
// the given time.
type Tracker interface {
	FindTransfer(ctx context.Context, s *ton.Signed, since time.Time) (ton.Lookup, error)
}

// Enqueuer schedules the broadcast and confirmation jobs in the caller's transaction.
type Enqueuer interface {
	Broadcast(ctx context.Context, tx pgx.Tx, withdrawalID uuid.UUID) error
	Confirm(ctx context.Context, tx pgx.Tx, withdrawalID uuid.UUID) error
}

type UserLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type Notifier interface {
	NotifyWithdrawal(ctx context.Context, telegramID int64, w *models.Withdrawal) error
}

// RequestInput is a validated withdrawal request body.
type RequestInput struct {
	ToAddress      string `json:"to_address"`
	Amount         int64  `json:"amount"`
	Comment        string `json:"comment"`
	IdempotencyKey string `json:"idempotency_key"`
}

type Service struct {
	DB       TxBeginner
	Store    Store
	Ledger   *ledger.Ledger
	Signer   Signer
	Tracker  Tracker
	Queue    Enqueuer
	Users    UserLookup
	Notifier Notifier
	Logger   *slog.Logger

	MinAmount int64
	// ConfirmWindow is how long confirmation is retried before the
	// withdrawal is left for manual reconciliation.
	ConfirmWindow time.Duration
	Now           func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Request debits the user and queues the broadcast in one transaction. A
// repeated idempotency key returns the original withdrawal with created
// false, or models.ErrDuplicate when the parameters differ.
func (s *Service) Request(ctx context.Context, userID uuid.UUID, in RequestInput) (*models.Withdrawal, bool, error) {
	if _, err := ton.ParseAddress(in.ToAddress); err != nil {
		return nil, false, err
	}
	if in.Amount <= 0 || in.Amount < s.MinAmount {
		return nil, false, fmt.Errorf("%w: minimum withdrawal is %d nano", models.ErrInvalidAmount, s.MinAmount)
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	existing, err := s.Store.GetByKey(ctx, tx, userID, in.IdempotencyKey)
	switch {
	case err == nil:
		if existing.ToAddress != in.ToAddress || existing.Amount != in.Amount || existing.Comment != in.Comment {
			return nil, false, fmt.Errorf("idempotency key reused with different parameters: %w", models.ErrDuplicate)
		}
		return existing, false, nil
	case !errors.Is(err, models.ErrNotFound):
		return nil, false, err
	}

	w := &models.Withdrawal{
		ID:             uuid.New(),
		UserID:         userID,
		IdempotencyKey: in.IdempotencyKey,
		ToAddress:      in.ToAddress,
		Amount:         in.Amount,
		Comment:        in.Comment,
		Status:         models.WithdrawalRequested,
	}
	if err := s.Store.CreateTx(ctx, tx, w); err != nil {
		return nil, false, fmt.Errorf("create withdrawal: %w", err)
	}
	if err := s.Ledger.LockUsers(ctx, tx, userID); err != nil {
		return nil, false, err
	}
	err = s.Ledger.Debit(ctx, tx, userID, w.Amount, ledger.Ref{
		Reason:       models.EntryWithdrawal,
		WithdrawalID: &w.ID,
	})
	if err != nil {
		return nil, false, err
	}
	w.Status = models.WithdrawalDebited
	if err := s.Store.UpdateTx(ctx, tx, w); err != nil {
		return nil, false, err
	}
	if err := s.Queue.Broadcast(ctx, tx, w.ID); err != nil {
		return nil, false, fmt.Errorf("enqueue broadcast: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}

	metrics.WithdrawalTransitions.WithLabelValues(models.WithdrawalDebited).Inc()
	s.Logger.Info("withdrawal requested", "withdrawal_id", w.ID, "user_id", userID, "amount", w.Amount, "to", w.ToAddress)
	return w, true, nil
}

// Broadcast signs and sends a debited withdrawal. The signed seqno and hash
// are committed before the message leaves; a failure before that point
// fails the withdrawal and returns the funds. A failed send keeps the
// withdrawal in broadcast for the confirmation job to settle.
func (s *Service) Broadcast(ctx context.Context, id uuid.UUID) error {
	w, err := s.Store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if w.Status != models.WithdrawalDebited {
		s.Logger.Debug("withdrawal already past broadcast", "withdrawal_id", id, "status", w.Status)
		return nil
	}

	persist := func(ctx context.Context, signed *ton.Signed) error {
		return s.markBroadcast(ctx, id, signed)
	}
	transfer := ton.Transfer{To: w.ToAddress, Amount: w.Amount, Comment: w.Comment}
	signed, err := s.Signer.Transfer(ctx, transfer, persist)
	switch {
	case err == nil:
		s.Logger.Info("withdrawal broadcast", "withdrawal_id", id, "seqno", signed.Seqno, "hash", signed.Hash)
		return nil
	case ton.Broadcasted(err):
		s.Logger.Warn("withdrawal send failed after recording, awaiting confirmation", "withdrawal_id", id, "error", err)
		return nil
	default:
		s.Logger.Error("withdrawal broadcast failed, reversing", "withdrawal_id", id, "error", err)
		_, rerr := s.reverse(ctx, id, err, false)
		return rerr
	}
}

func (s *Service) markBroadcast(ctx context.Context, id uuid.UUID, signed *ton.Signed) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	w, err := s.Store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if w.Status != models.WithdrawalDebited {
		return fmt.Errorf("withdrawal is %s: %w", w.Status, models.ErrInvalidState)
	}
	now := s.now()
	seqno := signed.Seqno
	w.Status = models.WithdrawalBroadcast
	w.FromWallet = signed.Wallet
	w.WalletVersion = signed.Version
	w.Seqno = &seqno
	w.TxHash = signed.Hash
	w.BroadcastAt = &now
	if err := s.Store.UpdateTx(ctx, tx, w); err != nil {
		return err
	}
	if err := s.Queue.Confirm(ctx, tx, id); err != nil {
		return fmt.Errorf("enqueue confirm: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	metrics.WithdrawalTransitions.WithLabelValues(models.WithdrawalBroadcast).Inc()
	return nil
}

// Confirm checks the chain for a broadcast withdrawal. done is false while
// the outcome is still open and the caller should check again later.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (done bool, err error) {
	w, err := s.Store.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if w.Status != models.WithdrawalBroadcast || w.Seqno == nil {
		return true, nil
	}

	var since time.Time
	if w.BroadcastAt != nil {
		since = *w.BroadcastAt
	}
	lookup, err := s.Tracker.FindTransfer(ctx, &ton.Signed{
		Wallet:  w.FromWallet,
		Version: w.WalletVersion,
		Seqno:   *w.Seqno,
		Hash:    w.TxHash,
	}, since)
	if err != nil {
		return false, fmt.Errorf("look up transfer: %w", err)
	}

	switch lookup.State {
	case ton.InclusionFound:
		return true, s.markConfirmed(ctx, id, lookup.TxHash)
	case ton.InclusionConflict:
		cause := fmt.Errorf("%w: wallet seqno moved past %d without this transfer", models.ErrSequenceConflict, *w.Seqno)
		s.Logger.Error("withdrawal not included, reversing", "withdrawal_id", id, "seqno", *w.Seqno)
		_, err := s.reverse(ctx, id, cause, false)
		return true, err
	}

	if w.BroadcastAt != nil && s.ConfirmWindow > 0 && s.now().Sub(*w.BroadcastAt) > s.ConfirmWindow {
		s.Logger.Warn("withdrawal unconfirmed, left for reconciliation", "withdrawal_id", id, "seqno", *w.Seqno, "broadcast_at", w.BroadcastAt)
		return true, nil
	}
	return false, nil
}

func (s *Service) markConfirmed(ctx context.Context, id uuid.UUID, chainHash string) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	w, err := s.Store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if w.Status != models.WithdrawalBroadcast {
		return nil
	}
	now := s.now()
	w.Status = models.WithdrawalConfirmed
	w.ConfirmedAt = &now
	if chainHash != "" {
		w.TxHash = chainHash
	}
	if err := s.Store.UpdateTx(ctx, tx, w); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	metrics.WithdrawalTransitions.WithLabelValues(models.WithdrawalConfirmed).Inc()
	s.Logger.Info("withdrawal confirmed", "withdrawal_id", id, "tx_hash", w.TxHash)
	s.notify(ctx, w)
	return nil
}

// Reverse is the admin action for a withdrawal that will never land. It
// credits the amount back and marks the withdrawal failed.
func (s *Service) Reverse(ctx context.Context, id uuid.UUID, reason string) (*models.Withdrawal, error) {
	if reason == "" {
		reason = "reversed by admin"
	}
	return s.reverse(ctx, id, errors.New(reason), true)
}

// reverse fails a debited or broadcast withdrawal and credits the user once.
// In strict mode a withdrawal that cannot be reversed is an error; otherwise
// it is left untouched.
func (s *Service) reverse(ctx context.Context, id uuid.UUID, cause error, strict bool) (*models.Withdrawal, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	w, err := s.Store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if w.Reversed || (w.Status != models.WithdrawalDebited && w.Status != models.WithdrawalBroadcast) {
		if strict {
			return nil, fmt.Errorf("withdrawal is %s: %w", w.Status, models.ErrInvalidState)
		}
		return w, nil
	}
	if err := s.Ledger.LockUsers(ctx, tx, w.UserID); err != nil {
		return nil, err
	}
	err = s.Ledger.Credit(ctx, tx, w.UserID, w.Amount, ledger.Ref{
		Reason:       models.EntryWithdrawalReverse,
		WithdrawalID: &w.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("credit reversal: %w", err)
	}
	w.Status = models.WithdrawalFailed
	w.Reversed = true
	w.Error = cause.Error()
	if err := s.Store.UpdateTx(ctx, tx, w); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	metrics.WithdrawalTransitions.WithLabelValues(models.WithdrawalFailed).Inc()
	s.Logger.Info("withdrawal reversed", "withdrawal_id", id, "user_id", w.UserID, "amount", w.Amount, "reason", w.Error)
	s.notify(ctx, w)
	return w, nil
}

// Get returns the user's own withdrawal.
func (s *Service) Get(ctx context.Context, userID, id uuid.UUID) (*models.Withdrawal, error) {
	w, err := s.Store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.UserID != userID {
		return nil, models.ErrNotFound
	}
	return w, nil
}

func (s *Service) List(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Withdrawal, error) {
	return s.Store.ListByUser(ctx, userID, limit)
}

// ListOpen returns withdrawals that are debited or broadcast but not settled.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*models.Withdrawal, error) {
	return s.Store.ListByStatus(ctx, []string{models.WithdrawalDebited, models.WithdrawalBroadcast}, limit)
}

func (s *Service) notify(ctx context.Context, w *models.Withdrawal) {
	if s.Notifier == nil || s.Users == nil {
		return
	}
	u, err := s.Users.GetByID(ctx, w.UserID)
	if err != nil {
		s.Logger.Warn("withdrawal notice: load user", "user_id", w.UserID, "error", err)
		return
	}
	if err := s.Notifier.NotifyWithdrawal(ctx, u.TelegramID, w); err != nil {
		s.Logger.Warn("withdrawal notice failed", "withdrawal_id", w.ID, "error", err)
	}
}
