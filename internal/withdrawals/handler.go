package withdrawals

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/blackmirrow/market/internal/handlers"
	"github.com/blackmirrow/market/internal/middleware"
	"github.com/blackmirrow/market/internal/services"
)

type Handler struct {
	Service   *Service
	Validator *services.Validator
	Logger    *slog.Logger
}

// Create handles POST /api/v1/withdrawals.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}
	var in RequestInput
	if err := h.Validator.Decode(services.SchemaWithdrawalRequest, body, &in); err != nil {
		handlers.WriteError(w, h.Logger, "decode withdrawal", err)
		return
	}

	wd, created, err := h.Service.Request(r.Context(), userID, in)
	if err != nil {
		handlers.WriteError(w, h.Logger, "request withdrawal", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	handlers.WriteJSON(w, status, wd)
}

// List handles GET /api/v1/withdrawals.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	list, err := h.Service.List(r.Context(), userID, handlers.LimitParam(r, 50))
	if err != nil {
		handlers.WriteError(w, h.Logger, "list withdrawals", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]any{"withdrawals": list})
}

// Get handles GET /api/v1/withdrawals/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, ok := handlers.PathID(r, "id")
	if !ok {
		http.Error(w, `{"error":"invalid withdrawal id"}`, http.StatusBadRequest)
		return
	}
	wd, err := h.Service.Get(r.Context(), userID, id)
	if err != nil {
		handlers.WriteError(w, h.Logger, "get withdrawal", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, wd)
}

// AdminListOpen handles GET /api/v1/admin/withdrawals.
func (h *Handler) AdminListOpen(w http.ResponseWriter, r *http.Request) {
	list, err := h.Service.ListOpen(r.Context(), handlers.LimitParam(r, 100))
	if err != nil {
		handlers.WriteError(w, h.Logger, "list open withdrawals", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]any{"withdrawals": list})
}

// AdminReverse handles POST /api/v1/admin/withdrawals/{id}/reverse.
func (h *Handler) AdminReverse(w http.ResponseWriter, r *http.Request) {
	id, ok := handlers.PathID(r, "id")
	if !ok {
		http.Error(w, `{"error":"invalid withdrawal id"}`, http.StatusBadRequest)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<12)).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
			return
		}
	}
	wd, err := h.Service.Reverse(r.Context(), id, req.Reason)
	if err != nil {
		handlers.WriteError(w, h.Logger, "reverse withdrawal", err)
		return
	}
	h.Logger.Warn("withdrawal reversed by admin", "withdrawal_id", id, "admin_id", adminID(r), "reason", wd.Error)
	handlers.WriteJSON(w, http.StatusOK, wd)
}

func adminID(r *http.Request) string {
	id, _ := middleware.UserIDFromCtx(r.Context())
	return id.String()
}
