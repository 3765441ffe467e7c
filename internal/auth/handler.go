package auth

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/blackmirrow/market/internal/handlers"
	"github.com/blackmirrow/market/internal/services"
)

type TelegramLoginRequest struct {
	InitData     string `json:"init_data"`
	ReferralCode string `json:"referral_code"`
}

type AdminLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

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

// Telegram handles POST /api/v1/auth/telegram.
func (h *Handler) Telegram(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<14))
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}
	var req TelegramLoginRequest
	if err := h.validator.Decode(services.SchemaTelegramLogin, body, &req); err != nil {
		handlers.WriteError(w, h.log, "decode telegram login", err)
		return
	}
	sess, err := h.svc.TelegramLogin(r.Context(), req.InitData, req.ReferralCode)
	if err != nil {
		h.fail(w, "telegram login", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, sess)
}

// Admin handles POST /api/v1/auth/admin.
func (h *Handler) Admin(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<12))
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}
	var req AdminLoginRequest
	if err := h.validator.Decode(services.SchemaAdminLogin, body, &req); err != nil {
		handlers.WriteError(w, h.log, "decode admin login", err)
		return
	}
	sess, err := h.svc.AdminLogin(r.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(w, "admin login", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, sess)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrInvalidInitData) {
		h.log.Warn(op+" rejected", "error", err)
		handlers.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	handlers.WriteError(w, h.log, op, err)
}
