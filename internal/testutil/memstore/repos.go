package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/blackmirrow/market/internal/models"
)

// ---- Balances (ledger.Store) ----

type Balances struct{ s *Store }

func (s *Store) Balances() *Balances { return &Balances{s} }

func (b *Balances) LockBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	if _, ok := txState(tx).balances[userID]; !ok {
		return models.ErrNotFound
	}
	return nil
}

func (b *Balances) AdjustBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID, bucket string, delta int64) (int64, error) {
	st := txState(tx)
	bal, ok := st.balances[userID]
	if !ok {
		return 0, models.ErrNotFound
	}
	var after int64
	switch bucket {
	case models.BucketActive:
		after = bal.Active + delta
		if after < 0 {
			return 0, models.ErrInsufficientFunds
		}
		bal.Active = after
	case models.BucketEscrow:
		after = bal.Escrow + delta
		if after < 0 {
			return 0, models.ErrInsufficientFunds
		}
		bal.Escrow = after
	default:
		return 0, errSQL
	}
	bal.UpdatedAt = time.Now()
	st.balances[userID] = bal
	return after, nil
}

func (b *Balances) InsertEntry(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	st := txState(tx)
	e.CreatedAt = time.Now()
	st.entries = append(st.entries, *e)
	return nil
}

func (b *Balances) GetBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error) {
	var out *models.Balance
	b.s.read(func(st *state) {
		if bal, ok := st.balances[userID]; ok {
			out = &bal
		}
	})
	if out == nil {
		return nil, models.ErrNotFound
	}
	return out, nil
}

// ListEntries returns committed entries for a user, newest first.
func (b *Balances) ListEntries(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	var out []*models.LedgerEntry
	b.s.read(func(st *state) {
		for i := len(st.entries) - 1; i >= 0; i-- {
			if st.entries[i].UserID == userID {
				e := st.entries[i]
				out = append(out, &e)
			}
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- Users ----

type Users struct{ s *Store }

func (s *Store) Users() *Users { return &Users{s} }

func (u *Users) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var out *models.User
	u.s.read(func(st *state) {
		if usr, ok := st.users[id]; ok {
			out = &usr
		}
	})
	if out == nil {
		return nil, models.ErrNotFound
	}
	return out, nil
}

func (u *Users) GetByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	var out *models.User
	u.s.read(func(st *state) {
		for _, usr := range st.users {
			if usr.TelegramID == telegramID && telegramID != 0 {
				usr := usr
				out = &usr
				return
			}
		}
	})
	if out == nil {
		return nil, models.ErrNotFound
	}
	return out, nil
}

func (u *Users) BanTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, until time.Time, reason string) error {
	st := txState(tx)
	usr, ok := st.users[userID]
	if !ok {
		return models.ErrNotFound
	}
	usr.IsBanned, usr.BanUntil, usr.BanReason = true, &until, reason
	st.users[userID] = usr
	return nil
}

func (u *Users) Unban(ctx context.Context, userID uuid.UUID) error {
	return u.s.write(func(st *state) error {
		usr, ok := st.users[userID]
		if !ok {
			return models.ErrNotFound
		}
		usr.IsBanned, usr.BanUntil, usr.BanReason = false, nil, ""
		st.users[userID] = usr
		return nil
	})
}

func (u *Users) GetByReferralCode(ctx context.Context, code string) (*models.User, error) {
	var out *models.User
	u.s.read(func(st *state) {
		for _, usr := range st.users {
			if usr.ReferralCode == code {
				usr := usr
				out = &usr
				return
			}
		}
	})
	if out == nil {
		return nil, models.ErrNotFound
	}
	return out, nil
}

// CreateTx mirrors the unique constraints on telegram_id and referral_code.
func (u *Users) CreateTx(ctx context.Context, tx pgx.Tx, usr *models.User) error {
	st := txState(tx)
	for _, other := range st.users {
		if (usr.TelegramID != 0 && other.TelegramID == usr.TelegramID) || other.ReferralCode == usr.ReferralCode {
			return models.ErrDuplicate
		}
	}
	now := time.Now()
	usr.CreatedAt, usr.UpdatedAt = now, now
	st.users[usr.ID] = *usr
	st.balances[usr.ID] = models.Balance{UserID: usr.ID, UpdatedAt: now}
	return nil
}

func (u *Users) TouchNames(ctx context.Context, usr *models.User) error {
	return u.s.write(func(st *state) error {
		cur, ok := st.users[usr.ID]
		if !ok {
			return models.ErrNotFound
		}
		cur.Username, cur.FirstName, cur.LastName = usr.Username, usr.FirstName, usr.LastName
		cur.UpdatedAt = time.Now()
		usr.UpdatedAt = cur.UpdatedAt
		st.users[usr.ID] = cur
		return nil
	})
}

func (u *Users) UpdateProfile(ctx context.Context, usr *models.User) error {
	return u.s.write(func(st *state) error {
		cur, ok := st.users[usr.ID]
		if !ok {
			return models.ErrNotFound
		}
		cur.Age, cur.Gender, cur.Country = usr.Age, usr.Gender, usr.Country
		cur.UpdatedAt = time.Now()
		usr.UpdatedAt = cur.UpdatedAt
		st.users[usr.ID] = cur
		return nil
	})
}

func (u *Users) ListReferrals(ctx context.Context, referrerID uuid.UUID, limit int) ([]*models.ReferredUser, error) {
	var out []*models.ReferredUser
	u.s.read(func(st *state) {
		for _, usr := range st.users {
			if usr.ReferrerID == nil || *usr.ReferrerID != referrerID {
				continue
			}
			ru := &models.ReferredUser{UserID: usr.ID, Username: usr.Username, FirstName: usr.FirstName, JoinedAt: usr.CreatedAt}
			for _, e := range st.referrals {
				if e.ReferredID == usr.ID && e.ReferrerID == referrerID {
					ru.Earned += e.Amount
				}
			}
			out = append(out, ru)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.After(out[j].JoinedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (u *Users) ReferralTotals(ctx context.Context, referrerID uuid.UUID) (int, int64, error) {
	var count int
	var earned int64
	u.s.read(func(st *state) {
		for _, usr := range st.users {
			if usr.ReferrerID != nil && *usr.ReferrerID == referrerID {
				count++
			}
		}
		for _, e := range st.referrals {
			if e.ReferrerID == referrerID {
				earned += e.Amount
			}
		}
	})
	return count, earned, nil
}

// ---- Tasks ----

type Tasks struct{ s *Store }

func (s *Store) Tasks() *Tasks { return &Tasks{s} }

func (t *Tasks) CreateTx(ctx context.Context, tx pgx.Tx, task *models.Task) error {
	st := txState(tx)
	now := time.Now()
	task.CreatedAt, task.UpdatedAt = now, now
	st.tasks[task.ID] = *task
	return nil
}

func (t *Tasks) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	var out *models.Task
	t.s.read(func(st *state) {
		if task, ok := st.tasks[id]; ok {
			out = &task
		}
	})
	if out == nil {
		return nil, models.ErrNotFound
	}
	return out, nil
}

func (t *Tasks) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	task, ok := txState(tx).tasks[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &task, nil
}

func (t *Tasks) UpdateTx(ctx context.Context, tx pgx.Tx, task *models.Task) error {
	st := txState(tx)
	if _, ok := st.tasks[task.ID]; !ok {
		return models.ErrNotFound
	}
	task.UpdatedAt = time.Now()
	st.tasks[task.ID] = *task
	return nil
}

func (t *Tasks) ListAvailable(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Task, error) {
	var out []*models.Task
	t.s.read(func(st *state) {
		started := map[uuid.UUID]bool{}
		for _, e := range st.executions {
			if e.UserID == userID {
				started[e.TaskID] = true
			}
		}
		for _, task := range st.tasks {
			if task.Status != models.TaskStatusActive || task.RemainingSlots <= 0 || started[task.ID] {
				continue
			}
			task := task
			out = append(out, &task)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *Tasks) ListByCreator(ctx context.Context, creatorID uuid.UUID) ([]*models.Task, error) {
	var out []*models.Task
	t.s.read(func(st *state) {
		for _, task := range st.tasks {
			if task.CreatorID == creatorID {
				task := task
				out = append(out, &task)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ---- Executions ----

type Executions struct{ s *Store }

func (s *Store) Executions() *Executions { return &Executions{s} }

func (x *Executions) CreateTx(ctx context.Context, tx pgx.Tx, e *models.Execution) error {
	st := txState(tx)
	for _, other := range st.executions {
		if other.UserID == e.UserID && other.TaskID == e.TaskID {
			return models.ErrAlreadyStarted
		}
	}
	e.UpdatedAt = time.Now()
	st.executions[e.ID] = *e
	return nil
}

func (x *Executions) GetByID(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	var out *models.Execution
	x.s.read(func(st *state) {
		if e, ok := st.executions[id]; ok {
			out = &e
		}
	})
	if out == nil {
		return nil, models.ErrNotFound
	}
	return out, nil
}

func (x *Executions) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Execution, error) {
	e, ok := txState(tx).executions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &e, nil
}

func (x *Executions) GetByUserTask(ctx context.Context, tx pgx.Tx, userID, taskID uuid.UUID) (*models.Execution, error) {
	find := func(st *state) *models.Execution {
		for _, e := range st.executions {
			if e.UserID == userID && e.TaskID == taskID {
				return &e
			}
		}
		return nil
	}
	var out *models.Execution
	if tx != nil {
		out = find(txState(tx))
	} else {
		x.s.read(func(st *state) { out = find(st) })
	}
	if out == nil {
		return nil, models.ErrNotFound
	}
	return out, nil
}

func (x *Executions) UpdateTx(ctx context.Context, tx pgx.Tx, e *models.Execution) error {
	st := txState(tx)
	if _, ok := st.executions[e.ID]; !ok {
		return models.ErrNotFound
	}
	e.UpdatedAt = time.Now()
	st.executions[e.ID] = *e
	return nil
}

func (x *Executions) ListStalePending(ctx context.Context, taskType string, startedBefore time.Time, limit int) ([]*models.Execution, error) {
	var out []*models.Execution
	x.s.read(func(st *state) {
		for _, e := range st.executions {
			if e.State == models.ExecutionPendingVerification && e.TaskType == taskType && e.StartedAt.Before(startedBefore) {
				e := e
				out = append(out, &e)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (x *Executions) CountStartedSince(ctx context.Context, userID uuid.UUID, taskType string, since time.Time) (int, error) {
	n := 0
	x.s.read(func(st *state) {
		for _, e := range st.executions {
			if e.UserID == userID && e.TaskType == taskType && !e.StartedAt.Before(since) {
				n++
			}
		}
	})
	return n, nil
}

func (x *Executions) CountStartedSinceTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, taskType string, since time.Time) (int, error) {
	n := 0
	for _, e := range txState(tx).executions {
		if e.UserID == userID && e.TaskType == taskType && !e.StartedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (x *Executions) StatsByType(ctx context.Context, userID uuid.UUID, dayStart time.Time) (map[string]models.TaskStats, error) {
	stats := make(map[string]models.TaskStats)
	x.s.read(func(st *state) {
		paid := make(map[uuid.UUID]int64)
		for _, en := range st.entries {
			if en.UserID == userID && en.ExecutionID != nil && en.Reason == models.EntrySettlementPayout && en.Bucket == models.BucketActive {
				paid[*en.ExecutionID] += en.Delta
			}
		}
		for _, e := range st.executions {
			if e.UserID != userID || e.State != models.ExecutionSettled {
				continue
			}
			s := stats[e.TaskType]
			s.TotalCount++
			s.TotalEarned += paid[e.ID]
			if e.FinishedAt != nil && !e.FinishedAt.Before(dayStart) {
				s.TodayCount++
				s.TodayEarned += paid[e.ID]
			}
			stats[e.TaskType] = s
		}
	})
	return stats, nil
}

// ---- Referral earnings ----

type ReferralEarnings struct{ s *Store }

func (s *Store) ReferralEarnings() *ReferralEarnings { return &ReferralEarnings{s} }

func (r *ReferralEarnings) CreateTx(ctx context.Context, tx pgx.Tx, e *models.ReferralEarning) error {
	st := txState(tx)
	if _, ok := st.referrals[e.ExecutionID]; ok {
		return models.ErrDuplicate
	}
	e.CreatedAt = time.Now()
	st.referrals[e.ExecutionID] = *e
	return nil
}

// ---- Deposits ----

type Deposits struct{ s *Store }

func (s *Store) Deposits() *Deposits { return &Deposits{s} }

// InsertTx reports false when a deposit with the same tx hash exists. It
// refuses negative amounts like the table's check constraint.
func (d *Deposits) InsertTx(ctx context.Context, tx pgx.Tx, dep *models.Deposit) (bool, error) {
	if dep.Amount < 0 {
		return false, fmt.Errorf("%w: amount_nano check", models.ErrInvalidDeposit)
	}
	st := txState(tx)
	for _, other := range st.deposits {
		if other.TxHash == dep.TxHash {
			return false, nil
		}
	}
	dep.CreatedAt = time.Now()
	st.deposits[dep.ID] = *dep
	return true, nil
}

func (d *Deposits) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Deposit, error) {
	dep, ok := txState(tx).deposits[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &dep, nil
}

func (d *Deposits) UpdateTx(ctx context.Context, tx pgx.Tx, dep *models.Deposit) error {
	st := txState(tx)
	if _, ok := st.deposits[dep.ID]; !ok {
		return models.ErrNotFound
	}
	st.deposits[dep.ID] = *dep
	return nil
}

func (d *Deposits) ListUnmatched(ctx context.Context, limit int) ([]*models.Deposit, error) {
	var out []*models.Deposit
	d.s.read(func(st *state) {
		for _, dep := range st.deposits {
			if dep.Status == models.DepositUnmatched && !dep.Processed {
				dep := dep
				out = append(out, &dep)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].LT < out[j].LT })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *Deposits) LastLT(ctx context.Context) (uint64, error) {
	var lt uint64
	d.s.read(func(st *state) {
		for _, dep := range st.deposits {
			if dep.LT > lt {
				lt = dep.LT
			}
		}
	})
	return lt, nil
}

// ByHash returns the committed deposit with the given tx hash.
func (d *Deposits) ByHash(hash string) (*models.Deposit, bool) {
	var out *models.Deposit
	d.s.read(func(st *state) {
		for _, dep := range st.deposits {
			if dep.TxHash == hash {
				dep := dep
				out = &dep
			}
		}
	})
	return out, out != nil
}

// ---- Withdrawals ----

type Withdrawals struct{ s *Store }

func (s *Store) Withdrawals() *Withdrawals { return &Withdrawals{s} }

func (w *Withdrawals) CreateTx(ctx context.Context, tx pgx.Tx, wd *models.Withdrawal) error {
	st := txState(tx)
	for _, other := range st.withdrawals {
		if other.UserID == wd.UserID && other.IdempotencyKey == wd.IdempotencyKey {
			return models.ErrDuplicate
		}
	}
	now := time.Now()
	wd.CreatedAt, wd.UpdatedAt = now, now
	st.withdrawals[wd.ID] = *wd
	return nil
}

func (w *Withdrawals) GetByKey(ctx context.Context, tx pgx.Tx, userID uuid.UUID, key string) (*models.Withdrawal, error) {
	for _, wd := range txState(tx).withdrawals {
		if wd.UserID == userID && wd.IdempotencyKey == key {
			return &wd, nil
		}
	}
	return nil, models.ErrNotFound
}

func (w *Withdrawals) GetByID(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	var out *models.Withdrawal
	w.s.read(func(st *state) {
		if wd, ok := st.withdrawals[id]; ok {
			out = &wd
		}
	})
	if out == nil {
		return nil, models.ErrNotFound
	}
	return out, nil
}

func (w *Withdrawals) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Withdrawal, error) {
	wd, ok := txState(tx).withdrawals[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &wd, nil
}

func (w *Withdrawals) UpdateTx(ctx context.Context, tx pgx.Tx, wd *models.Withdrawal) error {
	st := txState(tx)
	if _, ok := st.withdrawals[wd.ID]; !ok {
		return models.ErrNotFound
	}
	wd.UpdatedAt = time.Now()
	st.withdrawals[wd.ID] = *wd
	return nil
}

func (w *Withdrawals) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Withdrawal, error) {
	return w.list(limit, func(wd models.Withdrawal) bool { return wd.UserID == userID })
}

func (w *Withdrawals) ListByStatus(ctx context.Context, statuses []string, limit int) ([]*models.Withdrawal, error) {
	want := map[string]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	return w.list(limit, func(wd models.Withdrawal) bool { return want[wd.Status] })
}

func (w *Withdrawals) list(limit int, keep func(models.Withdrawal) bool) ([]*models.Withdrawal, error) {
	var out []*models.Withdrawal
	w.s.read(func(st *state) {
		for _, wd := range st.withdrawals {
			if keep(wd) {
				wd := wd
				out = append(out, &wd)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- Jobs ----

// Queue records jobs in the enqueuing transaction, so they exist only if it commits.
type Queue struct{ s *Store }

func (s *Store) Queue() *Queue { return &Queue{s} }

func (q *Queue) add(tx pgx.Tx, kind string, id uuid.UUID, at time.Time) error {
	st := txState(tx)
	st.jobs = append(st.jobs, Job{Kind: kind, ID: id, At: at})
	return nil
}

func (q *Queue) RequestVerification(ctx context.Context, tx pgx.Tx, executionID uuid.UUID) error {
	return q.add(tx, JobVerification, executionID, time.Time{})
}

func (q *Queue) ScheduleHoldExpiry(ctx context.Context, tx pgx.Tx, executionID uuid.UUID, at time.Time) error {
	return q.add(tx, JobHoldExpiry, executionID, at)
}

func (q *Queue) Broadcast(ctx context.Context, tx pgx.Tx, withdrawalID uuid.UUID) error {
	return q.add(tx, JobWithdrawalBroadcast, withdrawalID, time.Time{})
}

func (q *Queue) Confirm(ctx context.Context, tx pgx.Tx, withdrawalID uuid.UUID) error {
	return q.add(tx, JobWithdrawalConfirm, withdrawalID, time.Time{})
}
