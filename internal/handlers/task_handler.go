package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/blackmirrow/market/internal/middleware"
	"github.com/blackmirrow/market/internal/models"
	"github.com/blackmirrow/market/internal/services"
)

// UserGetter resolves the caller's profile for targeting.
type UserGetter interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// TaskHandler serves /api/v1/tasks, /api/v1/executions and the verifier callback.
type TaskHandler struct {
	Slots     *services.SlotAllocator
	Matcher   *services.Matcher
	Machine   *services.ExecutionMachine
	Users     UserGetter
	Validator *services.Validator
	Logger    *slog.Logger
}

const maxBody = 1 << 16

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// --- POST /api/v1/tasks ---

// CreateTask validates the body, then escrows the full budget and stores the task in one transaction.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var in services.CreateTaskInput
	if err := h.Validator.Decode(services.SchemaCreateTask, body, &in); err != nil {
		WriteError(w, h.Logger, "decode task", err)
		return
	}

	task, err := h.Slots.Create(r.Context(), userID, in)
	if err != nil {
		WriteError(w, h.Logger, "create task", err)
		return
	}
	WriteJSON(w, http.StatusCreated, task)
}

// --- GET /api/v1/tasks ---

// ListTasks returns the tasks the caller may start, or with ?scope=mine the tasks they created.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	if r.URL.Query().Get("scope") == "mine" {
		tasks, err := h.Slots.ListByCreator(r.Context(), userID)
		if err != nil {
			WriteError(w, h.Logger, "list own tasks", err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"tasks": nonNil(tasks)})
		return
	}

	user, err := h.Users.GetByID(r.Context(), userID)
	if err != nil {
		WriteError(w, h.Logger, "load user", err)
		return
	}
	tasks, err := h.Matcher.AvailableFor(r.Context(), user, LimitParam(r, 50))
	if err != nil {
		WriteError(w, h.Logger, "list available tasks", err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"tasks": nonNil(tasks)})
}

// --- GET /api/v1/tasks/{id} ---

func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := PathID(r, "id")
	if !ok {
		http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
		return
	}
	task, err := h.Slots.Get(r.Context(), taskID)
	if err != nil {
		WriteError(w, h.Logger, "get task", err)
		return
	}
	WriteJSON(w, http.StatusOK, task)
}

// --- POST /api/v1/tasks/{id}/start ---

// StartTask allocates a slot. A repeated start answers 409 with the existing execution.
func (h *TaskHandler) StartTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	taskID, ok := PathID(r, "id")
	if !ok {
		http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
		return
	}

	exec, err := h.Slots.Start(r.Context(), taskID, userID)
	if errors.Is(err, models.ErrAlreadyStarted) && exec != nil {
		WriteJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "execution": exec})
		return
	}
	if err != nil {
		WriteError(w, h.Logger, "start task", err)
		return
	}
	WriteJSON(w, http.StatusCreated, exec)
}

// --- POST /api/v1/tasks/{id}/pause|resume|cancel ---

func (h *TaskHandler) PauseTask(w http.ResponseWriter, r *http.Request) {
	h.creatorAction(w, r, "pause task", h.Slots.Pause)
}

func (h *TaskHandler) ResumeTask(w http.ResponseWriter, r *http.Request) {
	h.creatorAction(w, r, "resume task", h.Slots.Resume)
}

func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	h.creatorAction(w, r, "cancel task", h.Slots.Cancel)
}

func (h *TaskHandler) creatorAction(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, taskID, actorID uuid.UUID) (*models.Task, error)) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	taskID, ok := PathID(r, "id")
	if !ok {
		http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
		return
	}
	task, err := fn(r.Context(), taskID, userID)
	if err != nil {
		WriteError(w, h.Logger, op, err)
		return
	}
	WriteJSON(w, http.StatusOK, task)
}

// --- GET /api/v1/executions/{id} ---

// GetExecution is visible to the executor and to owners.
func (h *TaskHandler) GetExecution(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, ok := PathID(r, "id")
	if !ok {
		http.Error(w, `{"error":"invalid execution id"}`, http.StatusBadRequest)
		return
	}
	exec, err := h.Machine.Get(r.Context(), id)
	if err != nil {
		WriteError(w, h.Logger, "get execution", err)
		return
	}
	if exec.UserID != userID && middleware.RoleFromCtx(r.Context()) != models.RoleOwner {
		WriteError(w, h.Logger, "get execution", models.ErrNotFound)
		return
	}
	WriteJSON(w, http.StatusOK, exec)
}

// --- POST /api/v1/verifier/callback ---

// VerifierCallback applies the bot's verdict. Replays for a finished execution answer 200 unchanged.
func (h *TaskHandler) VerifierCallback(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var v services.Verdict
	if err := h.Validator.Decode(services.SchemaVerifierCallback, body, &v); err != nil {
		WriteError(w, h.Logger, "decode verdict", err)
		return
	}
	exec, err := h.Machine.HandleVerdict(r.Context(), v)
	if err != nil {
		WriteError(w, h.Logger, "handle verdict", err)
		return
	}
	if key := middleware.ServiceKeyFromCtx(r.Context()); key != nil {
		h.Logger.Debug("verdict applied", "execution_id", exec.ID, "state", exec.State, "service", key.Name)
	}
	WriteJSON(w, http.StatusOK, exec)
}

// LimitParam reads ?limit=, falling back to def when absent or out of range.
func LimitParam(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 500 {
		return def
	}
	return n
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
