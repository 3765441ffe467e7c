package dashboard

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/blackmirrow/market/internal/handlers"
	"github.com/blackmirrow/market/internal/middleware"
	"github.com/blackmirrow/market/internal/models"
	"github.com/blackmirrow/market/internal/services"
)

// Deposits is the reconciliation side of the deposit watcher.
type Deposits interface {
	ListUnmatched(ctx context.Context, limit int) ([]*models.Deposit, error)
	Assign(ctx context.Context, depositID, userID uuid.UUID) (*models.Deposit, error)
}

type Ledger interface {
	Balance(ctx context.Context, userID uuid.UUID) (*models.Balance, error)
}

type History interface {
	ListEntries(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

type Users interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Handler serves the operator endpoints under /api/v1/admin. Every route is
// wrapped in middleware.RequireRole(models.RoleOwner).
type Handler struct {
	deposits  Deposits
	ledger    Ledger
	history   History
	users     Users
	validator *services.Validator
	log       *slog.Logger
}

func NewHandler(deposits Deposits, ledger Ledger, history History, users Users, validator *services.Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		deposits:  deposits,
		ledger:    ledger,
		history:   history,
		users:     users,
		validator: validator,
		log:       log,
	}
}

// GET /api/v1/admin/deposits/unmatched
func (h *Handler) UnmatchedDeposits(w http.ResponseWriter, r *http.Request) {
	list, err := h.deposits.ListUnmatched(r.Context(), handlers.LimitParam(r, 100))
	if err != nil {
		handlers.WriteError(w, h.log, "list unmatched deposits", err)
		return
	}
	if list == nil {
		list = []*models.Deposit{}
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]any{"deposits": list})
}

// POST /api/v1/admin/deposits/{id}/assign
func (h *Handler) AssignDeposit(w http.ResponseWriter, r *http.Request) {
	depositID, ok := handlers.PathID(r, "id")
	if !ok {
		http.Error(w, `{"error":"invalid deposit id"}`, http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<12))
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}
	var req struct {
		UserID uuid.UUID `json:"user_id"`
	}
	if err := h.validator.Decode(services.SchemaAssignDeposit, body, &req); err != nil {
		handlers.WriteError(w, h.log, "decode assign", err)
		return
	}

	d, err := h.deposits.Assign(r.Context(), depositID, req.UserID)
	if err != nil {
		handlers.WriteError(w, h.log, "assign deposit", err)
		return
	}
	adminID, _ := middleware.UserIDFromCtx(r.Context())
	h.log.Info("deposit assigned by admin", "deposit_id", d.ID, "user_id", req.UserID, "amount", d.Amount, "admin_id", adminID)
	handlers.WriteJSON(w, http.StatusOK, d)
}

// GET /api/v1/admin/ledger/{user_id}
func (h *Handler) LedgerHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := handlers.PathID(r, "user_id")
	if !ok {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}
	user, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		handlers.WriteError(w, h.log, "get user", err)
		return
	}
	bal, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		handlers.WriteError(w, h.log, "get balance", err)
		return
	}
	entries, err := h.history.ListEntries(r.Context(), userID, handlers.LimitParam(r, 200))
	if err != nil {
		handlers.WriteError(w, h.log, "list ledger entries", err)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]any{
		"user":    user,
		"balance": bal,
		"entries": entries,
	})
}
