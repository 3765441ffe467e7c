package main

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blackmirrow/market/internal/auth"
	"github.com/blackmirrow/market/internal/dashboard"
	"github.com/blackmirrow/market/internal/deposits"
	"github.com/blackmirrow/market/internal/handlers"
	"github.com/blackmirrow/market/internal/middleware"
	"github.com/blackmirrow/market/internal/models"
	"github.com/blackmirrow/market/internal/registry"
	"github.com/blackmirrow/market/internal/withdrawals"
)

type apiHandlers struct {
	auth        *auth.Handler
	registry    *registry.Handler
	tasks       *handlers.TaskHandler
	balance     *handlers.BalanceHandler
	deposits    *deposits.Handler
	withdrawals *withdrawals.Handler
	dashboard   *dashboard.Handler
}

type pinger interface {
	Ping(ctx context.Context) error
}

type routeDeps struct {
	tokens      middleware.TokenValidator
	serviceKeys middleware.ServiceKeyRepo
	tasks       middleware.TaskTypeLookup
	starts      middleware.StartCounter
	dailyLimit  int
	pinger      pinger
}

// registerRoutes mounts the API under /api/v1.
// Chains: UserAuth -> (DailyStartLimit on start) -> handler for users,
// UserAuth -> RequireRole(owner) -> handler for admins,
// ServiceKeyAuth -> handler for the verifier bot.
func registerRoutes(mux *http.ServeMux, h *apiHandlers, d routeDeps) {
	user := middleware.UserAuth(d.tokens)
	admin := func(next http.HandlerFunc) http.Handler {
		return user(middleware.RequireRole(models.RoleOwner)(next))
	}
	authed := func(next http.HandlerFunc) http.Handler { return user(next) }
	startLimit := middleware.DailyStartLimit(d.tasks, d.starts, d.dailyLimit)
	collaborator := middleware.ServiceKeyAuth(d.serviceKeys)

	// Public
	mux.HandleFunc("POST /api/v1/auth/telegram", h.auth.Telegram)
	mux.HandleFunc("POST /api/v1/auth/admin", h.auth.Admin)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := d.pinger.Ping(r.Context()); err != nil {
			http.Error(w, `{"error":"database unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		handlers.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Users
	mux.Handle("GET /api/v1/users/me", authed(h.registry.GetMe))
	mux.Handle("PUT /api/v1/users/me", authed(h.registry.UpdateMe))
	mux.Handle("GET /api/v1/users/me/referrals", authed(h.registry.Referrals))
	mux.Handle("GET /api/v1/balance", authed(h.balance.Get))
	mux.Handle("GET /api/v1/balance/stats", authed(h.balance.Stats))
	mux.Handle("GET /api/v1/deposits/info", authed(h.deposits.Info))
	mux.Handle("POST /api/v1/withdrawals", authed(h.withdrawals.Create))
	mux.Handle("GET /api/v1/withdrawals", authed(h.withdrawals.List))
	mux.Handle("GET /api/v1/withdrawals/{id}", authed(h.withdrawals.Get))

	// Tasks and executions
	mux.Handle("POST /api/v1/tasks", authed(h.tasks.CreateTask))
	mux.Handle("GET /api/v1/tasks", authed(h.tasks.ListTasks))
	mux.Handle("GET /api/v1/tasks/{id}", authed(h.tasks.GetTask))
	mux.Handle("POST /api/v1/tasks/{id}/start", user(startLimit(http.HandlerFunc(h.tasks.StartTask))))
	mux.Handle("POST /api/v1/tasks/{id}/pause", authed(h.tasks.PauseTask))
	mux.Handle("POST /api/v1/tasks/{id}/resume", authed(h.tasks.ResumeTask))
	mux.Handle("POST /api/v1/tasks/{id}/cancel", authed(h.tasks.CancelTask))
	mux.Handle("GET /api/v1/executions/{id}", authed(h.tasks.GetExecution))

	// Verifier bot
	mux.Handle("POST /api/v1/verifier/callback", collaborator(http.HandlerFunc(h.tasks.VerifierCallback)))

	// Admin
	mux.Handle("GET /api/v1/admin/deposits/unmatched", admin(h.dashboard.UnmatchedDeposits))
	mux.Handle("POST /api/v1/admin/deposits/{id}/assign", admin(h.dashboard.AssignDeposit))
	mux.Handle("GET /api/v1/admin/withdrawals", admin(h.withdrawals.AdminListOpen))
	mux.Handle("POST /api/v1/admin/withdrawals/{id}/reverse", admin(h.withdrawals.AdminReverse))
	mux.Handle("GET /api/v1/admin/ledger/{user_id}", admin(h.dashboard.LedgerHistory))
}
