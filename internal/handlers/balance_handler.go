package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/blackmirrow/market/internal/middleware"
	"github.com/blackmirrow/market/internal/models"
	"github.com/blackmirrow/market/internal/money"
)

type BalanceReader interface {
	Balance(ctx context.Context, userID uuid.UUID) (*models.Balance, error)
}

type ReferralTotals interface {
	ReferralTotals(ctx context.Context, referrerID uuid.UUID) (count int, earned int64, err error)
}

// ExecutionStats reads the user's execution counters.
type ExecutionStats interface {
	CountStartedSince(ctx context.Context, userID uuid.UUID, taskType string, since time.Time) (int, error)
	StatsByType(ctx context.Context, userID uuid.UUID, dayStart time.Time) (map[string]models.TaskStats, error)
}

// BalanceHandler serves GET /api/v1/balance and GET /api/v1/balance/stats.
type BalanceHandler struct {
	Balances   BalanceReader
	Referrals  ReferralTotals
	Executions ExecutionStats
	Rates      map[string]decimal.Decimal
	DailyLimit int
	Logger     *slog.Logger

	Now func() time.Time
}

func (h *BalanceHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

type balanceResponse struct {
	Active            int64             `json:"active"`
	Escrow            int64             `json:"escrow"`
	ActiveTON         string            `json:"active_ton"`
	EscrowTON         string            `json:"escrow_ton"`
	Fiat              map[string]string `json:"fiat"`
	Referrals         int               `json:"referrals"`
	ReferralEarned    int64             `json:"referral_earned"`
	ReferralEarnedTON string            `json:"referral_earned_ton"`

	SubscriptionLimit24h int `json:"subscription_limit_24h"`
	SubscriptionsUsed24h int `json:"subscriptions_used_24h"`
}

func (h *BalanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	bal, err := h.Balances.Balance(r.Context(), userID)
	if err != nil {
		WriteError(w, h.Logger, "get balance", err)
		return
	}
	count, earned, err := h.Referrals.ReferralTotals(r.Context(), userID)
	if err != nil {
		WriteError(w, h.Logger, "referral totals", err)
		return
	}
	used, err := h.Executions.CountStartedSince(r.Context(), userID, models.TaskTypeSubscription, h.now().Add(-24*time.Hour))
	if err != nil {
		WriteError(w, h.Logger, "count daily starts", err)
		return
	}

	WriteJSON(w, http.StatusOK, balanceResponse{
		Active:               bal.Active,
		Escrow:               bal.Escrow,
		ActiveTON:            money.FormatTON(bal.Active),
		EscrowTON:            money.FormatTON(bal.Escrow),
		Fiat:                 FiatValues(bal.Active, h.Rates),
		Referrals:            count,
		ReferralEarned:       earned,
		ReferralEarnedTON:    money.FormatTON(earned),
		SubscriptionLimit24h: h.DailyLimit,
		SubscriptionsUsed24h: used,
	})
}

type taskStatsResponse struct {
	models.TaskStats
	TodayEarnedTON string `json:"today_earned_ton"`
	TotalEarnedTON string `json:"total_earned_ton"`
}

// Stats reports settled executions and earnings per task type, for today
// (since UTC midnight) and in total. Every task type is present.
func (h *BalanceHandler) Stats(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	dayStart := h.now().UTC().Truncate(24 * time.Hour)
	stats, err := h.Executions.StatsByType(r.Context(), userID, dayStart)
	if err != nil {
		WriteError(w, h.Logger, "task stats", err)
		return
	}

	out := make(map[string]taskStatsResponse, len(models.TaskTypes))
	for _, typ := range models.TaskTypes {
		st := stats[typ]
		out[typ] = taskStatsResponse{
			TaskStats:      st,
			TodayEarnedTON: money.FormatTON(st.TodayEarned),
			TotalEarnedTON: money.FormatTON(st.TotalEarned),
		}
	}
	WriteJSON(w, http.StatusOK, out)
}

// FiatValues converts nano-TON into each configured currency, two decimal places.
func FiatValues(nano int64, rates map[string]decimal.Decimal) map[string]string {
	codes := make([]string, 0, len(rates))
	for code := range rates {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	out := make(map[string]string, len(codes))
	for _, code := range codes {
		out[code] = money.Fiat(nano, rates[code]).StringFixed(2)
	}
	return out
}
