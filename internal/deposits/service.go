// Package deposits credits inbound TON transfers to the user named in the
// transfer comment.
package deposits

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/skip2/go-qrcode"

	"github.com/blackmirrow/market/internal/ledger"
	"github.com/blackmirrow/market/internal/metrics"
	"github.com/blackmirrow/market/internal/models"
	"github.com/blackmirrow/market/internal/money"
	"github.com/blackmirrow/market/internal/ton"
)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store persists deposits. InsertTx reports false when the tx hash is already recorded.
type Store interface {
	InsertTx(ctx context.Context, tx pgx.Tx, d *models.Deposit) (bool, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Deposit, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, d *models.Deposit) error
	ListUnmatched(ctx context.Context, limit int) ([]*models.Deposit, error)
	LastLT(ctx context.Context) (uint64, error)
}

type UserLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByTelegramID(ctx context.Context, telegramID int64) (*models.User, error)
}

// Feed lists confirmed and unconfirmed inbound transfers after a logical time.
type Feed interface {
	Incoming(ctx context.Context, afterLT uint64) ([]ton.Incoming, error)
}

type Notifier interface {
	NotifyDeposit(ctx context.Context, telegramID int64, amount int64) error
}

// Watcher polls the service wallet and applies each transfer to the ledger once.
type Watcher struct {
	DB       TxBeginner
	Store    Store
	Users    UserLookup
	Ledger   *ledger.Ledger
	Feed     Feed
	Notifier Notifier
	Logger   *slog.Logger

	Address          string
	MinAmount        int64
	MinConfirmations int

	mu     sync.Mutex
	cursor uint64
	loaded bool
}

// PollResult counts what one poll did.
type PollResult struct {
	Credited   int
	Unmatched  int
	Dust       int
	Duplicates int
	Skipped    int
	Waiting    int
}

// Poll applies new transfers in logical-time order. It stops at the first
// transfer that lacks confirmations so the cursor never skips past it. A
// transfer that can never be recorded is logged and passed over; any other
// failure stops the poll at that transfer.
func (w *Watcher) Poll(ctx context.Context) (PollResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var res PollResult
	if !w.loaded {
		lt, err := w.Store.LastLT(ctx)
		if err != nil {
			return res, fmt.Errorf("load deposit cursor: %w", err)
		}
		w.cursor, w.loaded = lt, true
	}

	incoming, err := w.Feed.Incoming(ctx, w.cursor)
	if err != nil {
		return res, fmt.Errorf("list incoming transfers: %w", err)
	}
	for i, in := range incoming {
		if in.Confirmations < w.MinConfirmations {
			res.Waiting = len(incoming) - i
			break
		}
		d, err := w.Apply(ctx, in)
		switch {
		case errors.Is(err, models.ErrDepositAlreadyProcessed):
			res.Duplicates++
		case errors.Is(err, models.ErrInvalidDeposit):
			res.Skipped++
			metrics.DepositsProcessed.WithLabelValues("skipped").Inc()
			w.Logger.Error("deposit skipped", "tx_hash", in.TxHash, "lt", in.LT, "from", in.From,
				"amount", in.Amount, "memo", in.Memo, "error", err)
		case err != nil:
			return res, fmt.Errorf("apply deposit %s: %w", in.TxHash, err)
		case d.Status == models.DepositCredited:
			res.Credited++
		case d.Status == models.DepositUnmatched:
			res.Unmatched++
		case d.Status == models.DepositDust:
			res.Dust++
		}
		w.cursor = in.LT
	}
	if len(incoming) > 0 {
		w.Logger.Info("deposit poll", "credited", res.Credited, "unmatched", res.Unmatched,
			"dust", res.Dust, "duplicates", res.Duplicates, "skipped", res.Skipped, "waiting", res.Waiting, "cursor", w.cursor)
	}
	return res, nil
}

// Apply records the transfer and credits it when the memo names a known
// user. The record and the credit commit together; a second call with the
// same tx hash returns models.ErrDepositAlreadyProcessed.
func (w *Watcher) Apply(ctx context.Context, in ton.Incoming) (*models.Deposit, error) {
	if in.Amount < 0 || in.TxHash == "" {
		return nil, fmt.Errorf("%w: tx %q amount %d", models.ErrInvalidDeposit, in.TxHash, in.Amount)
	}
	d := &models.Deposit{
		ID:            uuid.New(),
		TxHash:        in.TxHash,
		LT:            in.LT,
		FromAddress:   in.From,
		Amount:        in.Amount,
		Memo:          in.Memo,
		Confirmations: in.Confirmations,
		Status:        models.DepositUnmatched,
	}

	var user *models.User
	switch tgID, ok := ParseMemo(in.Memo); {
	case in.Amount < w.MinAmount:
		d.Status = models.DepositDust
	case !ok:
	default:
		u, err := w.Users.GetByTelegramID(ctx, tgID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		user = u
	}

	tx, err := w.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	inserted, err := w.Store.InsertTx(ctx, tx, d)
	if err != nil {
		return nil, fmt.Errorf("record deposit: %w", err)
	}
	if !inserted {
		return nil, models.ErrDepositAlreadyProcessed
	}
	if user != nil {
		if err := w.credit(ctx, tx, d, user); err != nil {
			return nil, err
		}
		if err := w.Store.UpdateTx(ctx, tx, d); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	metrics.DepositsProcessed.WithLabelValues(d.Status).Inc()
	w.Logger.Info("deposit recorded", "tx_hash", d.TxHash, "amount", d.Amount, "status", d.Status, "memo", d.Memo)
	if user != nil {
		w.notify(ctx, user.TelegramID, d.Amount)
	}
	return d, nil
}

// Assign credits an unmatched deposit to a user chosen by an admin.
func (w *Watcher) Assign(ctx context.Context, depositID, userID uuid.UUID) (*models.Deposit, error) {
	user, err := w.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	tx, err := w.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	d, err := w.Store.GetForUpdate(ctx, tx, depositID)
	if err != nil {
		return nil, err
	}
	if d.Processed {
		return nil, models.ErrDepositAlreadyProcessed
	}
	if d.Status != models.DepositUnmatched {
		return nil, fmt.Errorf("deposit is %s: %w", d.Status, models.ErrInvalidState)
	}
	if err := w.credit(ctx, tx, d, user); err != nil {
		return nil, err
	}
	if err := w.Store.UpdateTx(ctx, tx, d); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	metrics.DepositsProcessed.WithLabelValues("assigned").Inc()
	w.Logger.Info("unmatched deposit assigned", "deposit_id", d.ID, "user_id", user.ID, "amount", d.Amount)
	w.notify(ctx, user.TelegramID, d.Amount)
	return d, nil
}

// ListUnmatched returns deposits waiting for manual reconciliation.
func (w *Watcher) ListUnmatched(ctx context.Context, limit int) ([]*models.Deposit, error) {
	return w.Store.ListUnmatched(ctx, limit)
}

func (w *Watcher) credit(ctx context.Context, tx pgx.Tx, d *models.Deposit, user *models.User) error {
	if err := w.Ledger.LockUsers(ctx, tx, user.ID); err != nil {
		return err
	}
	err := w.Ledger.Credit(ctx, tx, user.ID, d.Amount, ledger.Ref{
		Reason:    models.EntryDeposit,
		DepositID: &d.ID,
	})
	if err != nil {
		return fmt.Errorf("credit deposit: %w", err)
	}
	now := time.Now()
	d.UserID = &user.ID
	d.Status = models.DepositCredited
	d.Processed = true
	d.ProcessedAt = &now
	return nil
}

func (w *Watcher) notify(ctx context.Context, telegramID int64, amount int64) {
	if w.Notifier == nil {
		return
	}
	if err := w.Notifier.NotifyDeposit(ctx, telegramID, amount); err != nil {
		w.Logger.Warn("deposit notice failed", "telegram_id", telegramID, "error", err)
	}
}

// ParseMemo reads a Telegram user id from a transfer comment. Plain digits
// are accepted, optionally prefixed with "id", "id:" or "#".
func ParseMemo(memo string) (int64, bool) {
	s := strings.ToLower(strings.TrimSpace(memo))
	s = strings.TrimPrefix(s, "#")
	s = strings.TrimPrefix(s, "id")
	s = strings.TrimSpace(strings.TrimPrefix(s, ":"))
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Info tells a user how to top up their balance.
type Info struct {
	Address   string `json:"address"`
	Memo      string `json:"memo"`
	MinAmount string `json:"min_amount_ton"`
	Link      string `json:"link"`
	QRCode    string `json:"qr_code_png"`
}

// Instructions builds the deposit address, memo and a QR code of the transfer link.
func (w *Watcher) Instructions(user *models.User) (*Info, error) {
	memo := strconv.FormatInt(user.TelegramID, 10)
	link := fmt.Sprintf("ton://transfer/%s?text=%s", w.Address, url.QueryEscape(memo))
	png, err := qrcode.Encode(link, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("encode deposit qr: %w", err)
	}
	return &Info{
		Address:   w.Address,
		Memo:      memo,
		MinAmount: money.FormatTON(w.MinAmount),
		Link:      link,
		QRCode:    base64.StdEncoding.EncodeToString(png),
	}, nil
}
