package registry

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/blackmirrow/market/internal/handlers"
	"github.com/blackmirrow/market/internal/middleware"
	"github.com/blackmirrow/market/internal/services"
)

type Handler struct {
	svc       Service
	validator *services.Validator
	log       *slog.Logger
}

func NewHandler(svc Service, validator *services.Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, validator: validator, log: log}
}

// GetMe handles GET /api/v1/users/me.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	p, err := h.svc.Profile(r.Context(), userID)
	if err != nil {
		handlers.WriteError(w, h.log, "get profile", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, p)
}

// UpdateMe handles PUT /api/v1/users/me.
func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<12))
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}
	var in ProfileUpdate
	if err := h.validator.Decode(services.SchemaUpdateProfile, body, &in); err != nil {
		handlers.WriteError(w, h.log, "decode profile", err)
		return
	}
	p, err := h.svc.UpdateProfile(r.Context(), userID, in)
	if err != nil {
		handlers.WriteError(w, h.log, "update profile", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, p)
}

// Referrals handles GET /api/v1/users/me/referrals.
func (h *Handler) Referrals(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	info, err := h.svc.Referrals(r.Context(), userID, handlers.LimitParam(r, 100))
	if err != nil {
		handlers.WriteError(w, h.log, "list referrals", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, info)
}
