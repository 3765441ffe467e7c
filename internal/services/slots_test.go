package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/blackmirrow/market/internal/models"
	"github.com/blackmirrow/market/internal/testutil/memstore"
)

func TestConcurrentStartsNeverOversell(t *testing.T) {
	h := newHarness(t)
	creator := h.user(1000)
	task := h.task(t, creator.ID, models.TaskTypeSubscription, 10, 10)

	users := make([]uuid.UUID, 12)
	for i := range users {
		users[i] = h.user(0).ID
	}

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		ok, refused int
	)
	for _, id := range users {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := h.alloc.Start(context.Background(), task.ID, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, models.ErrSlotUnavailable):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	if ok != 10 || refused != 2 {
		t.Fatalf("started %d, refused %d; want 10 and 2", ok, refused)
	}
	if got := h.taskState(t, task.ID).RemainingSlots; got != 0 {
		t.Fatalf("remaining slots = %d, want 0", got)
	}
	assertBalance(t, h.balance(creator.ID), 900, 100)
}

func TestRepeatedStartReturnsExistingExecution(t *testing.T) {
	h := newHarness(t)
	creator := h.user(1000)
	executor := h.user(0)
	task := h.task(t, creator.ID, models.TaskTypeComment, 10, 5)

	first := h.start(t, task.ID, executor.ID)
	again, err := h.alloc.Start(context.Background(), task.ID, executor.ID)
	if !errors.Is(err, models.ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if again == nil || again.ID != first.ID {
		t.Fatalf("expected the existing execution %s, got %+v", first.ID, again)
	}
	if got := h.taskState(t, task.ID).RemainingSlots; got != 4 {
		t.Fatalf("remaining slots = %d, want 4", got)
	}
	if n := len(h.store.JobsOf(memstore.JobVerification)); n != 1 {
		t.Fatalf("verification jobs = %d, want 1", n)
	}
}

func TestStartChecks(t *testing.T) {
	h := newHarness(t)
	creator := h.user(1000)
	task := h.task(t, creator.ID, models.TaskTypeView, 10, 5)

	if _, err := h.alloc.Start(context.Background(), task.ID, creator.ID); !errors.Is(err, models.ErrForbidden) {
		t.Errorf("creator start: expected ErrForbidden, got %v", err)
	}
	if _, err := h.alloc.Start(context.Background(), uuid.New(), h.user(0).ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("unknown task: expected ErrNotFound, got %v", err)
	}

	targeted, err := h.alloc.Create(context.Background(), creator.ID, CreateTaskInput{
		Title: "t", Type: models.TaskTypeView, PricePerSlot: 10, TotalSlots: 1, PostURL: "u",
		Targeting: models.Targeting{Country: "de", AgeMin: intPtr(18)},
	})
	if err != nil {
		t.Fatal(err)
	}
	wrongCountry := h.user(0)
	if _, err := h.alloc.Start(context.Background(), targeted.ID, wrongCountry.ID); !errors.Is(err, models.ErrTargetingMismatch) {
		t.Errorf("expected ErrTargetingMismatch, got %v", err)
	}
	german := h.user(0, func(u *models.User) { u.Country = "DE" })
	if _, err := h.alloc.Start(context.Background(), targeted.ID, german.ID); err != nil {
		t.Errorf("matching user start: %v", err)
	}
}

func TestPauseBlocksStartsUntilResume(t *testing.T) {
	h := newHarness(t)
	creator := h.user(1000)
	executor := h.user(0)
	task := h.task(t, creator.ID, models.TaskTypeView, 10, 5)

	if _, err := h.alloc.Pause(context.Background(), task.ID, executor.ID); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("non-creator pause: expected ErrForbidden, got %v", err)
	}
	if _, err := h.alloc.Pause(context.Background(), task.ID, creator.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.alloc.Pause(context.Background(), task.ID, creator.ID); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("second pause: expected ErrInvalidState, got %v", err)
	}
	if _, err := h.alloc.Start(context.Background(), task.ID, executor.ID); !errors.Is(err, models.ErrTaskNotActive) {
		t.Fatalf("start on paused task: expected ErrTaskNotActive, got %v", err)
	}
	if _, err := h.alloc.Resume(context.Background(), task.ID, creator.ID); err != nil {
		t.Fatal(err)
	}
	h.start(t, task.ID, executor.ID)
}

func TestBannedUserCannotStart(t *testing.T) {
	h := newHarness(t)
	creator := h.user(1000)
	until := h.clock.Now().Add(time.Hour)
	banned := h.user(0, func(u *models.User) { u.IsBanned, u.BanUntil = true, &until })
	task := h.task(t, creator.ID, models.TaskTypeView, 10, 5)

	if _, err := h.alloc.Start(context.Background(), task.ID, banned.ID); !errors.Is(err, models.ErrUserBanned) {
		t.Fatalf("expected ErrUserBanned, got %v", err)
	}

	h.clock.Advance(2 * time.Hour)
	h.start(t, task.ID, banned.ID)
	u, _ := h.store.Users().GetByID(context.Background(), banned.ID)
	if u.IsBanned {
		t.Fatal("expired ban should have been lifted")
	}
}

func TestCancelRefundsUnusedSlots(t *testing.T) {
	h := newHarness(t)
	creator := h.user(100)
	task := h.task(t, creator.ID, models.TaskTypeSubscription, 10, 10)
	a := h.start(t, task.ID, h.user(0).ID)
	b := h.start(t, task.ID, h.user(0).ID)

	if _, err := h.alloc.Cancel(context.Background(), task.ID, a.UserID); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("non-creator cancel: expected ErrForbidden, got %v", err)
	}
	cancelled, err := h.alloc.Cancel(context.Background(), task.ID, creator.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != models.TaskStatusCancelled || cancelled.RemainingSlots != 0 {
		t.Fatalf("unexpected task after cancel %+v", cancelled)
	}
	assertBalance(t, h.balance(creator.ID), 80, 20)

	if _, err := h.alloc.Start(context.Background(), task.ID, h.user(0).ID); !errors.Is(err, models.ErrTaskNotActive) {
		t.Fatalf("start after cancel: expected ErrTaskNotActive, got %v", err)
	}
	if _, err := h.alloc.Cancel(context.Background(), task.ID, creator.ID); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("second cancel: expected ErrInvalidState, got %v", err)
	}

	// In-flight executions still finish: a rejection returns its reward to
	// the creator, a settlement pays out of the remaining escrow.
	if _, err := h.machine.HandleVerdict(context.Background(), Verdict{ExecutionID: a.ID, Outcome: models.OutcomeRejected}); err != nil {
		t.Fatal(err)
	}
	assertBalance(t, h.balance(creator.ID), 90, 10)
	if got := h.taskState(t, task.ID).RemainingSlots; got != 0 {
		t.Fatalf("rejection on a cancelled task must not reopen a slot, remaining = %d", got)
	}

	h.clock.Advance(168 * time.Hour)
	if _, err := h.machine.HandleVerdict(context.Background(), Verdict{ExecutionID: b.ID, Outcome: models.OutcomeVerified}); err != nil {
		t.Fatal(err)
	}
	assertBalance(t, h.balance(creator.ID), 90, 0)
	assertBalance(t, h.balance(b.UserID), 9, 0)
	if got := h.taskState(t, task.ID).Status; got != models.TaskStatusCancelled {
		t.Fatalf("cancelled task status changed to %s", got)
	}
}

func TestStartRollsBackWhenCommitFails(t *testing.T) {
	h := newHarness(t)
	creator := h.user(1000)
	executor := h.user(0)
	task := h.task(t, creator.ID, models.TaskTypeSubscription, 10, 3)

	h.store.FailCommit = errors.New("connection lost")
	if _, err := h.alloc.Start(context.Background(), task.ID, executor.ID); err == nil {
		t.Fatal("expected commit failure")
	}
	if got := h.taskState(t, task.ID).RemainingSlots; got != 3 {
		t.Fatalf("remaining slots = %d, want 3", got)
	}
	if n := len(h.store.Jobs()); n != 0 {
		t.Fatalf("jobs from a failed transaction leaked: %d", n)
	}
	h.start(t, task.ID, executor.ID)
}

func TestDailySubscriptionLimit(t *testing.T) {
	h := newHarness(t)
	h.alloc.DailyLimit = 2
	creator := h.user(1000)
	executor := h.user(0)
	subs := []*models.Task{
		h.task(t, creator.ID, models.TaskTypeSubscription, 10, 5),
		h.task(t, creator.ID, models.TaskTypeSubscription, 10, 5),
		h.task(t, creator.ID, models.TaskTypeSubscription, 10, 5),
	}
	view := h.task(t, creator.ID, models.TaskTypeView, 10, 5)

	h.start(t, subs[0].ID, executor.ID)
	h.start(t, subs[1].ID, executor.ID)
	if _, err := h.alloc.Start(context.Background(), subs[2].ID, executor.ID); !errors.Is(err, models.ErrDailyLimit) {
		t.Fatalf("third subscription: expected ErrDailyLimit, got %v", err)
	}
	if got := h.taskState(t, subs[2].ID).RemainingSlots; got != 5 {
		t.Fatalf("refused start took a slot: remaining = %d", got)
	}
	// Other task types are not limited.
	h.start(t, view.ID, executor.ID)

	h.clock.Advance(24*time.Hour + time.Second)
	h.start(t, subs[2].ID, executor.ID)
}

func TestDailyLimitHoldsUnderConcurrentStarts(t *testing.T) {
	h := newHarness(t)
	h.alloc.DailyLimit = 1
	creator := h.user(1000)
	executor := h.user(0)
	tasks := make([]*models.Task, 6)
	for i := range tasks {
		tasks[i] = h.task(t, creator.ID, models.TaskTypeSubscription, 10, 1)
	}

	var (
		wg            sync.WaitGroup
		mu            sync.Mutex
		ok, overLimit int
	)
	for _, task := range tasks {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := h.alloc.Start(context.Background(), id, executor.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, models.ErrDailyLimit):
				overLimit++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(task.ID)
	}
	wg.Wait()

	if ok != 1 || overLimit != 5 {
		t.Fatalf("started %d, over limit %d; want 1 and 5", ok, overLimit)
	}
}
