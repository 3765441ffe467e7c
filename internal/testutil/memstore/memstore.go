// Package memstore is a transactional in-memory stand-in for the Postgres
// repositories. Transactions are serialized: Begin blocks until the previous
// transaction commits or rolls back, which gives the same outcome as the row
// locks the real repositories take. Reads outside a transaction see only
// committed state.
package memstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/blackmirrow/market/internal/models"
)

// Job is a background job recorded by the Jobs enqueuer.
type Job struct {
	Kind string
	ID   uuid.UUID
	At   time.Time
}

const (
	JobVerification        = "verification"
	JobHoldExpiry          = "hold_expiry"
	JobWithdrawalBroadcast = "withdrawal_broadcast"
	JobWithdrawalConfirm   = "withdrawal_confirm"
)

type state struct {
	users       map[uuid.UUID]models.User
	balances    map[uuid.UUID]models.Balance
	entries     []models.LedgerEntry
	tasks       map[uuid.UUID]models.Task
	executions  map[uuid.UUID]models.Execution
	referrals   map[uuid.UUID]models.ReferralEarning
	deposits    map[uuid.UUID]models.Deposit
	withdrawals map[uuid.UUID]models.Withdrawal
	jobs        []Job
}

func newState() *state {
	return &state{
		users:       map[uuid.UUID]models.User{},
		balances:    map[uuid.UUID]models.Balance{},
		tasks:       map[uuid.UUID]models.Task{},
		executions:  map[uuid.UUID]models.Execution{},
		referrals:   map[uuid.UUID]models.ReferralEarning{},
		deposits:    map[uuid.UUID]models.Deposit{},
		withdrawals: map[uuid.UUID]models.Withdrawal{},
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *state) clone() *state {
	return &state{
		users:       cloneMap(s.users),
		balances:    cloneMap(s.balances),
		entries:     append([]models.LedgerEntry(nil), s.entries...),
		tasks:       cloneMap(s.tasks),
		executions:  cloneMap(s.executions),
		referrals:   cloneMap(s.referrals),
		deposits:    cloneMap(s.deposits),
		withdrawals: cloneMap(s.withdrawals),
		jobs:        append([]Job(nil), s.jobs...),
	}
}

type Store struct {
	txMu sync.Mutex

	mu        sync.Mutex
	committed *state

	// FailCommit makes the next Commit fail, for testing rollback paths.
	FailCommit error
}

func New() *Store {
	return &Store{committed: newState()}
}

// Begin opens a transaction on a private copy of the committed state.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	s.txMu.Lock()
	s.mu.Lock()
	st := s.committed.clone()
	s.mu.Unlock()
	return &Tx{store: s, st: st}, nil
}

// read runs fn against committed state.
func (s *Store) read(fn func(st *state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.committed)
}

// write applies fn to committed state as its own transaction.
func (s *Store) write(fn func(st *state) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.committed)
}

// Tx implements pgx.Tx; the SQL methods are not supported.
type Tx struct {
	store *Store
	st    *state
	done  bool
}

var errSQL = errors.New("memstore: raw SQL is not supported")

func txState(tx pgx.Tx) *state {
	t, ok := tx.(*Tx)
	if !ok || t.done {
		panic("memstore: operation outside an open memstore transaction")
	}
	return t.st
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("memstore: nested transactions are not supported")
}

func (t *Tx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	defer t.store.txMu.Unlock()
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if err := t.store.FailCommit; err != nil {
		t.store.FailCommit = nil
		return err
	}
	t.store.committed = t.st
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.txMu.Unlock()
	return nil
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), errSQL
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, errSQL }
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return errRow{} }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errSQL
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errSQL
}
func (t *Tx) Conn() *pgx.Conn { return nil }

type errRow struct{}

func (errRow) Scan(...any) error { return errSQL }

// ---- Seeding and inspection ----

// AddUser stores u with the given active balance. Zero ids are generated.
func (s *Store) AddUser(u models.User, active int64) models.User {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Role == "" {
		u.Role = models.RoleUser
	}
	now := time.Now()
	u.CreatedAt, u.UpdatedAt = now, now
	_ = s.write(func(st *state) error {
		st.users[u.ID] = u
		st.balances[u.ID] = models.Balance{UserID: u.ID, Active: active, UpdatedAt: now}
		return nil
	})
	return u
}

// AddPlatform creates the platform fee account.
func (s *Store) AddPlatform() {
	s.AddUser(models.User{ID: models.SystemPlatformUserID, Role: models.RoleOwner}, 0)
}

func (s *Store) BalanceOf(id uuid.UUID) models.Balance {
	var b models.Balance
	s.read(func(st *state) { b = st.balances[id] })
	return b
}

// TotalFunds sums active and escrow over every balance.
func (s *Store) TotalFunds() int64 {
	var total int64
	s.read(func(st *state) {
		for _, b := range st.balances {
			total += b.Active + b.Escrow
		}
	})
	return total
}

func (s *Store) Entries() []models.LedgerEntry {
	var out []models.LedgerEntry
	s.read(func(st *state) { out = append(out, st.entries...) })
	return out
}

func (s *Store) Jobs() []Job {
	var out []Job
	s.read(func(st *state) { out = append(out, st.jobs...) })
	return out
}

// JobsOf returns the committed jobs of one kind.
func (s *Store) JobsOf(kind string) []Job {
	var out []Job
	for _, j := range s.Jobs() {
		if j.Kind == kind {
			out = append(out, j)
		}
	}
	return out
}

func (s *Store) Referrals() []models.ReferralEarning {
	var out []models.ReferralEarning
	s.read(func(st *state) {
		for _, r := range st.referrals {
			out = append(out, r)
		}
	})
	return out
}

// UpdateExecution rewrites a committed execution, e.g. to age it in tests.
func (s *Store) UpdateExecution(id uuid.UUID, fn func(e *models.Execution)) {
	_ = s.write(func(st *state) error {
		e := st.executions[id]
		fn(&e)
		st.executions[id] = e
		return nil
	})
}

// UpdateTask rewrites a committed task.
func (s *Store) UpdateTask(id uuid.UUID, fn func(t *models.Task)) {
	_ = s.write(func(st *state) error {
		t := st.tasks[id]
		fn(&t)
		st.tasks[id] = t
		return nil
	})
}
