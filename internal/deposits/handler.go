package deposits

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/blackmirrow/market/internal/handlers"
	"github.com/blackmirrow/market/internal/middleware"
	"github.com/blackmirrow/market/internal/models"
)

// Instructor builds deposit instructions for a user.
type Instructor interface {
	Instructions(user *models.User) (*Info, error)
}

type UserGetter interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type Handler struct {
	Watcher Instructor
	Users   UserGetter
	Logger  *slog.Logger
}

// Info handles GET /api/v1/deposits/info.
func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	user, err := h.Users.GetByID(r.Context(), userID)
	if err != nil {
		handlers.WriteError(w, h.Logger, "load user", err)
		return
	}
	info, err := h.Watcher.Instructions(user)
	if err != nil {
		handlers.WriteError(w, h.Logger, "deposit instructions", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, info)
}
