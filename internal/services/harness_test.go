package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/blackmirrow/market/internal/ledger"
	"github.com/blackmirrow/market/internal/models"
	"github.com/blackmirrow/market/internal/testutil/memstore"
)

// ---------------------------------------------------------------------------
// Test harness: real services wired to the transactional in-memory store.
// ---------------------------------------------------------------------------

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type notice struct {
	kind       string
	telegramID int64
	amount     int64
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notice
}

func (n *recordingNotifier) NotifyBan(_ context.Context, tgID int64, _ time.Time, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice{kind: "ban", telegramID: tgID})
	return nil
}

func (n *recordingNotifier) NotifyPayout(_ context.Context, tgID int64, amount int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice{kind: "payout", telegramID: tgID, amount: amount})
	return nil
}

func (n *recordingNotifier) count(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, x := range n.notices {
		if x.kind == kind {
			c++
		}
	}
	return c
}

type harness struct {
	store    *memstore.Store
	clock    *testClock
	notifier *recordingNotifier
	escrow   *Escrow
	machine  *ExecutionMachine
	alloc    *SlotAllocator
	nextTG   int64
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := memstore.New()
	st.AddPlatform()

	l := ledger.New(st.Balances())
	escrow := NewEscrow(l, NewReferralDistributor(l, st.ReferralEarnings(), 5), 10)
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	notifier := &recordingNotifier{}
	logger := discardLogger()

	machine := &ExecutionMachine{
		DB:             st,
		Tasks:          st.Tasks(),
		Executions:     st.Executions(),
		Users:          st.Users(),
		Escrow:         escrow,
		Enqueue:        st.Queue(),
		Notifier:       notifier,
		Logger:         logger,
		Hold:           168 * time.Hour,
		Grace:          24 * time.Hour,
		CommentTimeout: 24 * time.Hour,
		BanDuration:    168 * time.Hour,
		Now:            clock.Now,
	}
	alloc := &SlotAllocator{
		DB:         st,
		Tasks:      st.Tasks(),
		Executions: st.Executions(),
		Users:      st.Users(),
		Escrow:     escrow,
		Machine:    machine,
		Logger:     logger,
		Now:        clock.Now,
	}
	return &harness{store: st, clock: clock, notifier: notifier, escrow: escrow, machine: machine, alloc: alloc, nextTG: 1000}
}

func (h *harness) user(active int64, opts ...func(*models.User)) models.User {
	h.nextTG++
	u := models.User{TelegramID: h.nextTG, Country: "RU", Gender: models.GenderFemale, Age: intPtr(25)}
	for _, o := range opts {
		o(&u)
	}
	return h.store.AddUser(u, active)
}

func referredBy(id uuid.UUID) func(*models.User) {
	return func(u *models.User) { u.ReferrerID = &id }
}

func (h *harness) task(t *testing.T, creator uuid.UUID, typ string, price int64, slots int) *models.Task {
	t.Helper()
	in := CreateTaskInput{Title: "task", Type: typ, PricePerSlot: price, TotalSlots: slots}
	if typ == models.TaskTypeSubscription {
		in.ChannelID = "@channel"
	} else {
		in.PostURL = "https://t.me/channel/1"
	}
	task, err := h.alloc.Create(context.Background(), creator, in)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (h *harness) start(t *testing.T, taskID, userID uuid.UUID) *models.Execution {
	t.Helper()
	exec, err := h.alloc.Start(context.Background(), taskID, userID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return exec
}

func (h *harness) balance(id uuid.UUID) models.Balance {
	return h.store.BalanceOf(id)
}

func (h *harness) taskState(t *testing.T, id uuid.UUID) *models.Task {
	t.Helper()
	task, err := h.store.Tasks().GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task
}

func (h *harness) execState(t *testing.T, id uuid.UUID) *models.Execution {
	t.Helper()
	e, err := h.store.Executions().GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	return e
}

func intPtr(i int) *int { return &i }

func assertBalance(t *testing.T, got models.Balance, active, escrow int64) {
	t.Helper()
	if got.Active != active || got.Escrow != escrow {
		t.Fatalf("balance = active %d escrow %d, want active %d escrow %d", got.Active, got.Escrow, active, escrow)
	}
}
