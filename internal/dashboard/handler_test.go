package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/blackmirrow/market/internal/deposits"
	"github.com/blackmirrow/market/internal/ledger"
	"github.com/blackmirrow/market/internal/middleware"
	"github.com/blackmirrow/market/internal/models"
	"github.com/blackmirrow/market/internal/services"
	"github.com/blackmirrow/market/internal/testutil/memstore"
	"github.com/blackmirrow/market/internal/ton"
)

type noFeed struct{}

func (noFeed) Incoming(context.Context, uint64) ([]ton.Incoming, error) { return nil, nil }

func newTestMux(t *testing.T, st *memstore.Store) (*http.ServeMux, *deposits.Watcher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.New(st.Balances())
	w := &deposits.Watcher{
		DB:               st,
		Store:            st.Deposits(),
		Users:            st.Users(),
		Ledger:           l,
		Feed:             noFeed{},
		Logger:           logger,
		MinAmount:        10_000_000,
		MinConfirmations: 1,
	}
	v, err := services.NewValidator()
	require.NoError(t, err)
	h := NewHandler(w, l, st.Balances(), st.Users(), v, logger)

	admin := middleware.RequireRole(models.RoleOwner)
	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/admin/deposits/unmatched", admin(http.HandlerFunc(h.UnmatchedDeposits)))
	mux.Handle("POST /api/v1/admin/deposits/{id}/assign", admin(http.HandlerFunc(h.AssignDeposit)))
	mux.Handle("GET /api/v1/admin/ledger/{user_id}", admin(http.HandlerFunc(h.LedgerHistory)))
	return mux, w
}

func serve(mux *http.ServeMux, method, path, role, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req = req.WithContext(middleware.WithUser(req.Context(), models.SystemPlatformUserID, role))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAssignUnmatchedDepositThenInspectLedger(t *testing.T) {
	st := memstore.New()
	user := st.AddUser(models.User{TelegramID: 10}, 0)
	mux, w := newTestMux(t, st)

	d, err := w.Apply(context.Background(), ton.Incoming{TxHash: "ff01", LT: 5, Amount: 70_000_000, Memo: "typo", Confirmations: 1})
	require.NoError(t, err)
	require.Equal(t, models.DepositUnmatched, d.Status)

	rec := serve(mux, http.MethodGet, "/api/v1/admin/deposits/unmatched", models.RoleOwner, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"tx_hash":"ff01"`)

	path := "/api/v1/admin/deposits/" + d.ID.String() + "/assign"
	body := `{"user_id":"` + user.ID.String() + `"}`
	rec = serve(mux, http.MethodPost, path, models.RoleOwner, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, int64(70_000_000), st.BalanceOf(user.ID).Active)

	rec = serve(mux, http.MethodPost, path, models.RoleOwner, body)
	require.Equal(t, http.StatusConflict, rec.Code, "second assign must not credit again")
	require.Equal(t, int64(70_000_000), st.BalanceOf(user.ID).Active)

	rec = serve(mux, http.MethodGet, "/api/v1/admin/ledger/"+user.ID.String(), models.RoleOwner, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Balance models.Balance        `json:"balance"`
		Entries []*models.LedgerEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(70_000_000), resp.Balance.Active)
	require.Len(t, resp.Entries, 1)
	require.Equal(t, models.EntryDeposit, resp.Entries[0].Reason)
}

func TestAdminRoutesRequireOwner(t *testing.T) {
	st := memstore.New()
	mux, _ := newTestMux(t, st)

	rec := serve(mux, http.MethodGet, "/api/v1/admin/deposits/unmatched", models.RoleUser, "")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAssignValidatesInput(t *testing.T) {
	st := memstore.New()
	mux, _ := newTestMux(t, st)

	rec := serve(mux, http.MethodPost, "/api/v1/admin/deposits/not-a-uuid/assign", models.RoleOwner, `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(mux, http.MethodPost, "/api/v1/admin/deposits/"+uuid.NewString()+"/assign", models.RoleOwner, `{"user_id":"x"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = serve(mux, http.MethodPost, "/api/v1/admin/deposits/"+uuid.NewString()+"/assign", models.RoleOwner,
		`{"user_id":"`+uuid.NewString()+`"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(mux, http.MethodGet, "/api/v1/admin/ledger/"+uuid.NewString(), models.RoleOwner, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
