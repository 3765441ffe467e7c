package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/blackmirrow/market/internal/models"
	"github.com/blackmirrow/market/internal/testutil/pgtest"
)

// Runs against TEST_DATABASE_URL; skipped when it is unset.
func TestRepositoryRefusesNegativeBucket(t *testing.T) {
	pool := pgtest.Open(t)
	ctx := context.Background()
	repo := NewRepository(pool)
	l := New(repo)
	user := pgtest.User(t, pool, 100)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback(ctx)
	if err := l.LockUsers(ctx, tx, user); err != nil {
		t.Fatal(err)
	}
	if err := l.Lock(ctx, tx, user, 60, Ref{Reason: models.EntryTaskEscrowLock}); err != nil {
		t.Fatalf("lock 60: %v", err)
	}
	// The refused UPDATE matches no row, so the transaction stays usable.
	if err := l.Lock(ctx, tx, user, 50, Ref{Reason: models.EntryTaskEscrowLock}); !errors.Is(err, models.ErrInsufficientFunds) {
		t.Fatalf("lock 50: expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := repo.AdjustBalance(ctx, tx, uuid.New(), models.BucketActive, 1); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("unknown user: expected ErrNotFound, got %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	b, err := l.Balance(ctx, user)
	if err != nil {
		t.Fatal(err)
	}
	if b.Active != 40 || b.Escrow != 60 {
		t.Fatalf("balance = %d/%d, want 40/60", b.Active, b.Escrow)
	}
	entries, err := repo.ListEntries(ctx, user, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected the refused lock to write nothing, got %d entries", len(entries))
	}
	for _, e := range entries {
		if e.Reason != models.EntryTaskEscrowLock || (e.Delta != 60 && e.Delta != -60) {
			t.Errorf("unexpected entry %+v", e)
		}
	}
}
