package deposits

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blackmirrow/market/internal/ledger"
	"github.com/blackmirrow/market/internal/middleware"
	"github.com/blackmirrow/market/internal/models"
	"github.com/blackmirrow/market/internal/testutil/memstore"
	"github.com/blackmirrow/market/internal/ton"
)

type fakeFeed struct {
	mu        sync.Mutex
	transfers []ton.Incoming
	calls     []uint64
}

func (f *fakeFeed) Incoming(_ context.Context, afterLT uint64) ([]ton.Incoming, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, afterLT)
	var out []ton.Incoming
	for _, in := range f.transfers {
		if in.LT > afterLT {
			out = append(out, in)
		}
	}
	return out, nil
}

type countingNotifier struct{ n int }

func (c *countingNotifier) NotifyDeposit(context.Context, int64, int64) error {
	c.n++
	return nil
}

func newWatcher(st *memstore.Store, feed Feed) (*Watcher, *countingNotifier) {
	n := &countingNotifier{}
	return &Watcher{
		DB:               st,
		Store:            st.Deposits(),
		Users:            st.Users(),
		Ledger:           ledger.New(st.Balances()),
		Feed:             feed,
		Notifier:         n,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		Address:          "EQDtFpEwcFAEcRe5mLVh2N6C0x-_hJEM7W61_JLnSF74p4q2",
		MinAmount:        10_000_000,
		MinConfirmations: 3,
	}, n
}

func TestApplyCreditsOnceByTxHash(t *testing.T) {
	st := memstore.New()
	user := st.AddUser(models.User{TelegramID: 555}, 0)
	w, notices := newWatcher(st, &fakeFeed{})
	ctx := context.Background()

	in := ton.Incoming{TxHash: "aa01", LT: 10, Amount: 2_000_000_000, Memo: "555", Confirmations: 3}
	d, err := w.Apply(ctx, in)
	require.NoError(t, err)
	require.Equal(t, models.DepositCredited, d.Status)
	require.True(t, d.Processed)
	require.Equal(t, user.ID, *d.UserID)

	_, err = w.Apply(ctx, in)
	require.ErrorIs(t, err, models.ErrDepositAlreadyProcessed)

	require.Equal(t, int64(2_000_000_000), st.BalanceOf(user.ID).Active)
	require.Equal(t, 1, notices.n)

	stored, ok := st.Deposits().ByHash("aa01")
	require.True(t, ok)
	require.Equal(t, models.DepositCredited, stored.Status)

	entries := st.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, models.EntryDeposit, entries[0].Reason)
	require.Equal(t, d.ID, *entries[0].DepositID)
}

func TestApplyRecordsUnmatchedAndDust(t *testing.T) {
	st := memstore.New()
	st.AddUser(models.User{TelegramID: 777}, 0)
	w, notices := newWatcher(st, &fakeFeed{})
	ctx := context.Background()

	noMemo, err := w.Apply(ctx, ton.Incoming{TxHash: "b1", LT: 1, Amount: 50_000_000})
	require.NoError(t, err)
	require.Equal(t, models.DepositUnmatched, noMemo.Status)

	unknownUser, err := w.Apply(ctx, ton.Incoming{TxHash: "b2", LT: 2, Amount: 50_000_000, Memo: "123"})
	require.NoError(t, err)
	require.Equal(t, models.DepositUnmatched, unknownUser.Status)

	dust, err := w.Apply(ctx, ton.Incoming{TxHash: "b3", LT: 3, Amount: 1_000, Memo: "777"})
	require.NoError(t, err)
	require.Equal(t, models.DepositDust, dust.Status)

	unmatched, err := w.ListUnmatched(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unmatched, 2)
	require.Zero(t, st.TotalFunds())
	require.Zero(t, notices.n)
}

func TestAssignCreditsUnmatchedOnce(t *testing.T) {
	st := memstore.New()
	user := st.AddUser(models.User{TelegramID: 42}, 0)
	w, _ := newWatcher(st, &fakeFeed{})
	ctx := context.Background()

	d, err := w.Apply(ctx, ton.Incoming{TxHash: "c1", LT: 1, Amount: 30_000_000, Memo: "for my account"})
	require.NoError(t, err)

	assigned, err := w.Assign(ctx, d.ID, user.ID)
	require.NoError(t, err)
	require.Equal(t, models.DepositCredited, assigned.Status)
	require.Equal(t, int64(30_000_000), st.BalanceOf(user.ID).Active)

	_, err = w.Assign(ctx, d.ID, user.ID)
	require.ErrorIs(t, err, models.ErrDepositAlreadyProcessed)
	require.Equal(t, int64(30_000_000), st.BalanceOf(user.ID).Active)

	dust, err := w.Apply(ctx, ton.Incoming{TxHash: "c2", LT: 2, Amount: 5})
	require.NoError(t, err)
	_, err = w.Assign(ctx, dust.ID, user.ID)
	require.ErrorIs(t, err, models.ErrInvalidState)
}

func TestPollStopsAtUnconfirmedTransfer(t *testing.T) {
	st := memstore.New()
	user := st.AddUser(models.User{TelegramID: 9}, 0)
	feed := &fakeFeed{transfers: []ton.Incoming{
		{TxHash: "d1", LT: 100, Amount: 20_000_000, Memo: "9", Confirmations: 3},
		{TxHash: "d2", LT: 200, Amount: 30_000_000, Memo: "9", Confirmations: 1},
		{TxHash: "d3", LT: 300, Amount: 40_000_000, Memo: "9", Confirmations: 3},
	}}
	w, _ := newWatcher(st, feed)
	ctx := context.Background()

	res, err := w.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Credited)
	require.Equal(t, 2, res.Waiting)
	require.Equal(t, int64(20_000_000), st.BalanceOf(user.ID).Active)

	feed.mu.Lock()
	feed.transfers[1].Confirmations = 5
	feed.mu.Unlock()

	res, err = w.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Credited)
	require.Equal(t, int64(90_000_000), st.BalanceOf(user.ID).Active)
	require.Equal(t, []uint64{0, 100}, feed.calls)
}

func TestPollPassesOverUnrecordableTransfer(t *testing.T) {
	st := memstore.New()
	user := st.AddUser(models.User{TelegramID: 9}, 0)
	feed := &fakeFeed{transfers: []ton.Incoming{
		{TxHash: "p1", LT: 100, Amount: -1, Memo: "9", Confirmations: 3},
		{TxHash: "p2", LT: 150, Amount: 0, Memo: "9", Confirmations: 3},
		{TxHash: "p3", LT: 200, Amount: 20_000_000, Memo: "9", Confirmations: 3},
	}}
	w, _ := newWatcher(st, feed)
	ctx := context.Background()

	res, err := w.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 1, res.Dust)
	require.Equal(t, 1, res.Credited)
	require.Equal(t, int64(20_000_000), st.BalanceOf(user.ID).Active)

	_, recorded := st.Deposits().ByHash("p1")
	require.False(t, recorded)
	zero, recorded := st.Deposits().ByHash("p2")
	require.True(t, recorded)
	require.Equal(t, models.DepositDust, zero.Status)

	// The next poll starts after the bad transfer instead of retrying it.
	_, err = w.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 200}, feed.calls)
}

func TestPollResumesFromStoredCursorAndSkipsReplays(t *testing.T) {
	st := memstore.New()
	user := st.AddUser(models.User{TelegramID: 9}, 0)
	feed := &fakeFeed{transfers: []ton.Incoming{
		{TxHash: "e1", LT: 100, Amount: 20_000_000, Memo: "9", Confirmations: 3},
	}}
	first, _ := newWatcher(st, feed)
	_, err := first.Poll(context.Background())
	require.NoError(t, err)

	// A restarted watcher picks up after the newest recorded deposit.
	restarted, _ := newWatcher(st, feed)
	res, err := restarted.Poll(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Credited)
	require.Equal(t, uint64(100), feed.calls[len(feed.calls)-1])

	// A feed that replays old transfers cannot double credit.
	_, err = restarted.Apply(context.Background(), feed.transfers[0])
	require.ErrorIs(t, err, models.ErrDepositAlreadyProcessed)
	require.Equal(t, int64(20_000_000), st.BalanceOf(user.ID).Active)
}

func TestParseMemo(t *testing.T) {
	cases := map[string]int64{
		"123456": 123456,
		" 42 ":   42,
		"id42":   42,
		"ID: 42": 42,
		"#42":    42,
		"":       0,
		"hello":  0,
		"42abc":  0,
		"-5":     0,
		"0":      0,
	}
	for memo, want := range cases {
		got, ok := ParseMemo(memo)
		require.Equal(t, want != 0, ok, memo)
		require.Equal(t, want, got, memo)
	}

	_, ok := ParseMemo("999999999999999999999")
	require.False(t, ok, "overflowing id")
}

func TestInfoHandler(t *testing.T) {
	st := memstore.New()
	user := st.AddUser(models.User{TelegramID: 31337}, 0)
	w, _ := newWatcher(st, &fakeFeed{})
	h := &Handler{Watcher: w, Users: st.Users(), Logger: w.Logger}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/deposits/info", nil)
	req = req.WithContext(middleware.WithUser(req.Context(), user.ID, models.RoleUser))
	rec := httptest.NewRecorder()
	h.Info(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, `"memo":"31337"`)
	require.Contains(t, body, `"min_amount_ton":"0.01"`)
	require.True(t, strings.Contains(body, "ton://transfer/"))

	info, err := w.Instructions(&user)
	require.NoError(t, err)
	png, err := base64.StdEncoding.DecodeString(info.QRCode)
	require.NoError(t, err)
	require.Equal(t, []byte("\x89PNG"), png[:4])

	unauth := httptest.NewRecorder()
	h.Info(unauth, httptest.NewRequest(http.MethodGet, "/api/v1/deposits/info", nil))
	require.Equal(t, http.StatusUnauthorized, unauth.Code)
}
