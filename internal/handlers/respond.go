package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/blackmirrow/market/internal/models"
	"github.com/blackmirrow/market/internal/services"
)

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusFor maps a domain error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, models.ErrSlotUnavailable),
		errors.Is(err, models.ErrAlreadyStarted),
		errors.Is(err, models.ErrInvalidState),
		errors.Is(err, models.ErrTaskNotActive),
		errors.Is(err, models.ErrDepositAlreadyProcessed),
		errors.Is(err, models.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, models.ErrTargetingMismatch),
		errors.Is(err, models.ErrUserBanned),
		errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrInvalidAddress),
		errors.Is(err, models.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNetworkTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrDailyLimit):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WriteError answers with {"error": ...}. Unmapped errors are logged and
// reported as a generic internal error.
func WriteError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error(op, "error", err)
		WriteJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	WriteJSON(w, status, map[string]string{"error": err.Error()})
}

// PathID parses the {name} path wildcard as a UUID.
func PathID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
