package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/blackmirrow/market/internal/ledger"
	"github.com/blackmirrow/market/internal/middleware"
	"github.com/blackmirrow/market/internal/models"
	"github.com/blackmirrow/market/internal/services"
	"github.com/blackmirrow/market/internal/testutil/memstore"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type testEnv struct {
	store *memstore.Store
	mux   *http.ServeMux
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := memstore.New()
	st.AddPlatform()

	v, err := services.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	logger := discard()
	l := ledger.New(st.Balances())
	escrow := services.NewEscrow(l, services.NewReferralDistributor(l, st.ReferralEarnings(), 5), 10)
	machine := &services.ExecutionMachine{
		DB:             st,
		Tasks:          st.Tasks(),
		Executions:     st.Executions(),
		Users:          st.Users(),
		Escrow:         escrow,
		Enqueue:        st.Queue(),
		Logger:         logger,
		Hold:           168 * time.Hour,
		Grace:          24 * time.Hour,
		CommentTimeout: 24 * time.Hour,
		BanDuration:    168 * time.Hour,
	}
	h := &TaskHandler{
		Slots: &services.SlotAllocator{
			DB:         st,
			Tasks:      st.Tasks(),
			Executions: st.Executions(),
			Users:      st.Users(),
			Escrow:     escrow,
			Machine:    machine,
			Logger:     logger,
		},
		Matcher:   services.NewMatcher(st.Tasks()),
		Machine:   machine,
		Users:     st.Users(),
		Validator: v,
		Logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", h.CreateTask)
	mux.HandleFunc("GET /api/v1/tasks", h.ListTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", h.GetTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/start", h.StartTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/pause", h.PauseTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", h.CancelTask)
	mux.HandleFunc("GET /api/v1/executions/{id}", h.GetExecution)
	mux.HandleFunc("POST /api/v1/verifier/callback", h.VerifierCallback)
	return &testEnv{store: st, mux: mux}
}

// do sends a request as user (uuid.Nil for an anonymous caller).
func (e *testEnv) do(method, path string, user uuid.UUID, role, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != uuid.Nil {
		req = req.WithContext(middleware.WithUser(req.Context(), user, role))
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createTask(t *testing.T, creator uuid.UUID, body string) *models.Task {
	t.Helper()
	rec := e.do(http.MethodPost, "/api/v1/tasks", creator, models.RoleUser, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create task: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var task models.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	return &task
}

const commentTask = `{"title":"Comment on launch post","type":"comment","price_per_slot":100000000,"total_slots":2,"post_url":"https://t.me/market/10"}`

// =====================================================================
// POST /api/v1/tasks
// =====================================================================

func TestCreateTask_EscrowsBudget(t *testing.T) {
	env := newTestEnv(t)
	creator := env.store.AddUser(models.User{TelegramID: 1}, 1_000_000_000)

	task := env.createTask(t, creator.ID, commentTask)

	if task.Status != models.TaskStatusActive || task.RemainingSlots != 2 {
		t.Errorf("unexpected task: status %s remaining %d", task.Status, task.RemainingSlots)
	}
	bal := env.store.BalanceOf(creator.ID)
	if bal.Active != 800_000_000 || bal.Escrow != 200_000_000 {
		t.Errorf("balance = %d/%d, want 800000000/200000000", bal.Active, bal.Escrow)
	}
}

func TestCreateTask_InvalidSchema(t *testing.T) {
	env := newTestEnv(t)
	creator := env.store.AddUser(models.User{TelegramID: 1}, 1_000_000_000)

	rec := env.do(http.MethodPost, "/api/v1/tasks", creator.ID, models.RoleUser,
		`{"title":"x","type":"likes","price_per_slot":1,"total_slots":1}`)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateTask_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	creator := env.store.AddUser(models.User{TelegramID: 1}, 50_000_000)

	rec := env.do(http.MethodPost, "/api/v1/tasks", creator.ID, models.RoleUser, commentTask)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rec.Code, rec.Body.String())
	}
	if bal := env.store.BalanceOf(creator.ID); bal.Active != 50_000_000 || bal.Escrow != 0 {
		t.Errorf("balance changed on failed create: %+v", bal)
	}
}

func TestCreateTask_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/tasks", uuid.Nil, "", commentTask)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

// =====================================================================
// GET /api/v1/tasks
// =====================================================================

func TestListTasks_FiltersByTargeting(t *testing.T) {
	env := newTestEnv(t)
	creator := env.store.AddUser(models.User{TelegramID: 1}, 1_000_000_000)
	env.createTask(t, creator.ID, commentTask)
	env.createTask(t, creator.ID, `{"title":"DE only","type":"view","price_per_slot":1000,"total_slots":1,
		"post_url":"https://t.me/market/11","targeting":{"country":"DE"}}`)

	age := 30
	worker := env.store.AddUser(models.User{TelegramID: 2, Country: "RU", Gender: models.GenderMale, Age: &age}, 0)

	var resp struct {
		Tasks []models.Task `json:"tasks"`
	}
	rec := env.do(http.MethodGet, "/api/v1/tasks", worker.ID, models.RoleUser, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Tasks) != 1 || resp.Tasks[0].Type != models.TaskTypeComment {
		t.Errorf("expected only the untargeted comment task, got %+v", resp.Tasks)
	}

	rec = env.do(http.MethodGet, "/api/v1/tasks", creator.ID, models.RoleUser, "")
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Tasks) != 0 {
		t.Errorf("creator should not see own tasks as available, got %d", len(resp.Tasks))
	}

	rec = env.do(http.MethodGet, "/api/v1/tasks?scope=mine", creator.ID, models.RoleUser, "")
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Tasks) != 2 {
		t.Errorf("expected 2 own tasks, got %d", len(resp.Tasks))
	}
}

// =====================================================================
// POST /api/v1/tasks/{id}/start
// =====================================================================

func TestStartTask_SecondStartConflicts(t *testing.T) {
	env := newTestEnv(t)
	creator := env.store.AddUser(models.User{TelegramID: 1}, 1_000_000_000)
	task := env.createTask(t, creator.ID, commentTask)
	worker := env.store.AddUser(models.User{TelegramID: 2}, 0)
	path := fmt.Sprintf("/api/v1/tasks/%s/start", task.ID)

	rec := env.do(http.MethodPost, path, worker.ID, models.RoleUser, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var first models.Execution
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.State != models.ExecutionPendingVerification {
		t.Errorf("expected pending_verification, got %s", first.State)
	}

	rec = env.do(http.MethodPost, path, worker.ID, models.RoleUser, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var dup struct {
		Execution models.Execution `json:"execution"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &dup); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dup.Execution.ID != first.ID {
		t.Errorf("expected the existing execution %s, got %s", first.ID, dup.Execution.ID)
	}

	stored, _ := env.store.Tasks().GetByID(context.Background(), task.ID)
	if stored.RemainingSlots != 1 {
		t.Errorf("remaining = %d, want 1", stored.RemainingSlots)
	}
}

func TestStartTask_OwnTaskForbidden(t *testing.T) {
	env := newTestEnv(t)
	creator := env.store.AddUser(models.User{TelegramID: 1}, 1_000_000_000)
	task := env.createTask(t, creator.ID, commentTask)

	rec := env.do(http.MethodPost, "/api/v1/tasks/"+task.ID.String()+"/start", creator.ID, models.RoleUser, "")

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestStartTask_BadID(t *testing.T) {
	env := newTestEnv(t)
	worker := env.store.AddUser(models.User{TelegramID: 2}, 0)

	rec := env.do(http.MethodPost, "/api/v1/tasks/not-a-uuid/start", worker.ID, models.RoleUser, "")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// =====================================================================
// Creator actions
// =====================================================================

func TestPauseTask_OnlyCreator(t *testing.T) {
	env := newTestEnv(t)
	creator := env.store.AddUser(models.User{TelegramID: 1}, 1_000_000_000)
	other := env.store.AddUser(models.User{TelegramID: 2}, 0)
	task := env.createTask(t, creator.ID, commentTask)
	path := "/api/v1/tasks/" + task.ID.String() + "/pause"

	if rec := env.do(http.MethodPost, path, other.ID, models.RoleUser, ""); rec.Code != http.StatusForbidden {
		t.Errorf("non-creator pause: expected 403, got %d", rec.Code)
	}
	if rec := env.do(http.MethodPost, path, creator.ID, models.RoleUser, ""); rec.Code != http.StatusOK {
		t.Errorf("creator pause: expected 200, got %d", rec.Code)
	}
	if rec := env.do(http.MethodPost, path, creator.ID, models.RoleUser, ""); rec.Code != http.StatusConflict {
		t.Errorf("second pause: expected 409, got %d", rec.Code)
	}
}

func TestCancelTask_RefundsRemainingSlots(t *testing.T) {
	env := newTestEnv(t)
	creator := env.store.AddUser(models.User{TelegramID: 1}, 1_000_000_000)
	worker := env.store.AddUser(models.User{TelegramID: 2}, 0)
	task := env.createTask(t, creator.ID, commentTask)
	env.do(http.MethodPost, "/api/v1/tasks/"+task.ID.String()+"/start", worker.ID, models.RoleUser, "")

	rec := env.do(http.MethodPost, "/api/v1/tasks/"+task.ID.String()+"/cancel", creator.ID, models.RoleUser, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	bal := env.store.BalanceOf(creator.ID)
	if bal.Active != 900_000_000 || bal.Escrow != 100_000_000 {
		t.Errorf("balance = %d/%d, want 900000000/100000000", bal.Active, bal.Escrow)
	}
}

// =====================================================================
// Executions and verifier callback
// =====================================================================

func TestVerifierCallback_SettlesAndReplays(t *testing.T) {
	env := newTestEnv(t)
	creator := env.store.AddUser(models.User{TelegramID: 1}, 1_000_000_000)
	worker := env.store.AddUser(models.User{TelegramID: 2}, 0)
	task := env.createTask(t, creator.ID, commentTask)

	rec := env.do(http.MethodPost, "/api/v1/tasks/"+task.ID.String()+"/start", worker.ID, models.RoleUser, "")
	var exec models.Execution
	if err := json.Unmarshal(rec.Body.Bytes(), &exec); err != nil {
		t.Fatalf("decode: %v", err)
	}

	body := fmt.Sprintf(`{"execution_id":%q,"outcome":"verified"}`, exec.ID)
	for i := 0; i < 2; i++ {
		rec = env.do(http.MethodPost, "/api/v1/verifier/callback", uuid.Nil, "", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("callback %d: expected 200, got %d: %s", i, rec.Code, rec.Body.String())
		}
	}

	paid := env.store.BalanceOf(worker.ID).Active
	if paid != 90_000_000 {
		t.Errorf("executor paid %d, want 90000000", paid)
	}

	rec = env.do(http.MethodGet, "/api/v1/executions/"+exec.ID.String(), worker.ID, models.RoleUser, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"state":"settled"`) {
		t.Errorf("expected settled execution, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestVerifierCallback_RejectsMalformed(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/verifier/callback", uuid.Nil, "",
		`{"execution_id":"nope","outcome":"maybe"}`)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestGetExecution_HiddenFromOthers(t *testing.T) {
	env := newTestEnv(t)
	creator := env.store.AddUser(models.User{TelegramID: 1}, 1_000_000_000)
	worker := env.store.AddUser(models.User{TelegramID: 2}, 0)
	stranger := env.store.AddUser(models.User{TelegramID: 3}, 0)
	task := env.createTask(t, creator.ID, commentTask)
	rec := env.do(http.MethodPost, "/api/v1/tasks/"+task.ID.String()+"/start", worker.ID, models.RoleUser, "")
	var exec models.Execution
	if err := json.Unmarshal(rec.Body.Bytes(), &exec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	path := "/api/v1/executions/" + exec.ID.String()

	if rec := env.do(http.MethodGet, path, stranger.ID, models.RoleUser, ""); rec.Code != http.StatusNotFound {
		t.Errorf("stranger: expected 404, got %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, path, stranger.ID, models.RoleOwner, ""); rec.Code != http.StatusOK {
		t.Errorf("owner: expected 200, got %d", rec.Code)
	}
}

// =====================================================================
// GET /api/v1/balance
// =====================================================================

type stubTotals struct {
	count  int
	earned int64
}

func (s stubTotals) ReferralTotals(context.Context, uuid.UUID) (int, int64, error) {
	return s.count, s.earned, nil
}

func TestBalance_IncludesFiatAndReferrals(t *testing.T) {
	st := memstore.New()
	user := st.AddUser(models.User{TelegramID: 7}, 2_500_000_000)
	h := &BalanceHandler{
		Balances:   ledger.New(st.Balances()),
		Referrals:  stubTotals{count: 3, earned: 15_000_000},
		Executions: st.Executions(),
		Rates:      map[string]decimal.Decimal{"USD": decimal.RequireFromString("3.5"), "RUB": decimal.NewFromInt(250)},
		DailyLimit: 100,
		Logger:     discard(),
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/balance", nil)
	req = req.WithContext(middleware.WithUser(req.Context(), user.ID, models.RoleUser))
	rec := httptest.NewRecorder()
	h.Get(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp balanceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ActiveTON != "2.5" {
		t.Errorf("active_ton = %q, want 2.5", resp.ActiveTON)
	}
	if resp.Fiat["USD"] != "8.75" || resp.Fiat["RUB"] != "625.00" {
		t.Errorf("fiat = %v", resp.Fiat)
	}
	if resp.Referrals != 3 || resp.ReferralEarnedTON != "0.015" {
		t.Errorf("referrals = %d earned %s", resp.Referrals, resp.ReferralEarnedTON)
	}
	if resp.SubscriptionLimit24h != 100 || resp.SubscriptionsUsed24h != 0 {
		t.Errorf("subscriptions = %d of %d", resp.SubscriptionsUsed24h, resp.SubscriptionLimit24h)
	}
}

func TestBalanceStats_CountsSettledExecutions(t *testing.T) {
	env := newTestEnv(t)
	creator := env.store.AddUser(models.User{TelegramID: 1}, 1_000_000_000)
	worker := env.store.AddUser(models.User{TelegramID: 2}, 0)
	task := env.createTask(t, creator.ID, commentTask)

	rec := env.do(http.MethodPost, "/api/v1/tasks/"+task.ID.String()+"/start", worker.ID, models.RoleUser, "")
	var exec models.Execution
	if err := json.Unmarshal(rec.Body.Bytes(), &exec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	body := fmt.Sprintf(`{"execution_id":%q,"outcome":"verified"}`, exec.ID)
	if rec = env.do(http.MethodPost, "/api/v1/verifier/callback", uuid.Nil, "", body); rec.Code != http.StatusOK {
		t.Fatalf("callback: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	h := &BalanceHandler{Executions: env.store.Executions(), Logger: discard()}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/balance/stats", nil)
	req = req.WithContext(middleware.WithUser(req.Context(), worker.ID, models.RoleUser))
	rec = httptest.NewRecorder()
	h.Stats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]taskStatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 3 {
		t.Fatalf("expected every task type, got %v", resp)
	}
	got := resp[models.TaskTypeComment]
	if got.TotalCount != 1 || got.TodayCount != 1 || got.TotalEarned != 90_000_000 || got.TodayEarnedTON != "0.09" {
		t.Errorf("comment stats = %+v", got)
	}
	if sub := resp[models.TaskTypeSubscription]; sub.TotalCount != 0 || sub.TotalEarnedTON != "0" {
		t.Errorf("subscription stats = %+v", sub)
	}
}
