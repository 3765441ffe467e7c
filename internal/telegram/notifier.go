// Package telegram sends user notices through the Mini App's bot.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/blackmirrow/market/internal/models"
	"github.com/blackmirrow/market/internal/money"
)

// Notifier delivers ban, payout, deposit and withdrawal notices. Sends are
// best effort; callers log failures and carry on.
type Notifier struct {
	bot    *telego.Bot
	logger *slog.Logger
}

func New(token string, logger *slog.Logger, opts ...telego.BotOption) (*Notifier, error) {
	opts = append([]telego.BotOption{telego.WithDiscardLogger()}, opts...)
	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Notifier{bot: bot, logger: logger}, nil
}

func (n *Notifier) send(ctx context.Context, telegramID int64, text string) error {
	if telegramID == 0 {
		return nil
	}
	_, err := n.bot.SendMessage(ctx, tu.Message(tu.ID(telegramID), text))
	if err != nil {
		return fmt.Errorf("send message to %d: %w", telegramID, err)
	}
	n.logger.Debug("telegram notice sent", "telegram_id", telegramID)
	return nil
}

func (n *Notifier) NotifyBan(ctx context.Context, telegramID int64, until time.Time, reason string) error {
	return n.send(ctx, telegramID, BanText(until, reason))
}

func (n *Notifier) NotifyPayout(ctx context.Context, telegramID int64, amount int64) error {
	return n.send(ctx, telegramID, PayoutText(amount))
}

func (n *Notifier) NotifyDeposit(ctx context.Context, telegramID int64, amount int64) error {
	return n.send(ctx, telegramID, DepositText(amount))
}

func (n *Notifier) NotifyWithdrawal(ctx context.Context, telegramID int64, w *models.Withdrawal) error {
	return n.send(ctx, telegramID, WithdrawalText(w))
}

func BanText(until time.Time, reason string) string {
	return fmt.Sprintf("Your account is blocked from new tasks until %s UTC.\nReason: %s",
		until.UTC().Format("2006-01-02 15:04"), reason)
}

func PayoutText(amount int64) string {
	return fmt.Sprintf("Task verified. %s TON added to your balance.", money.FormatTON(amount))
}

func DepositText(amount int64) string {
	return fmt.Sprintf("Deposit received: %s TON.", money.FormatTON(amount))
}

func WithdrawalText(w *models.Withdrawal) string {
	switch w.Status {
	case models.WithdrawalConfirmed:
		return fmt.Sprintf("Withdrawal of %s TON to %s is confirmed.\nTransaction: %s",
			money.FormatTON(w.Amount), w.ToAddress, w.TxHash)
	case models.WithdrawalFailed:
		return fmt.Sprintf("Withdrawal of %s TON failed and the amount was returned to your balance.",
			money.FormatTON(w.Amount))
	default:
		return fmt.Sprintf("Withdrawal of %s TON is %s.", money.FormatTON(w.Amount), w.Status)
	}
}
