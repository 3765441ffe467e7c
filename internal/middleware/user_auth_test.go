package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/blackmirrow/market/internal/models"
)

type identity struct {
	id   uuid.UUID
	role string
}

type stubValidator struct {
	tokens map[string]identity
}

func (s *stubValidator) add(token string, id uuid.UUID, role string) {
	if s.tokens == nil {
		s.tokens = map[string]identity{}
	}
	s.tokens[token] = identity{id, role}
}

func (s *stubValidator) ValidateToken(_ context.Context, token string) (uuid.UUID, string, error) {
	c, ok := s.tokens[token]
	if !ok {
		return uuid.Nil, "", errors.New("bad token")
	}
	return c.id, c.role, nil
}

var whoAmI = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	id, _ := UserIDFromCtx(r.Context())
	w.Write([]byte(id.String() + "/" + RoleFromCtx(r.Context())))
})

func TestUserAuth_SetsUserAndRole(t *testing.T) {
	v := &stubValidator{}
	id := uuid.New()
	v.add("good", id, models.RoleUser)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	UserAuth(v)(whoAmI).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if want := id.String() + "/user"; rec.Body.String() != want {
		t.Errorf("expected %q, got %q", want, rec.Body.String())
	}
}

func TestUserAuth_RejectsBadTokens(t *testing.T) {
	h := UserAuth(&stubValidator{})(whoAmI)

	for _, header := range []string{"", "Bearer forged"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%q: expected 401, got %d", header, rec.Code)
		}
	}
}

func TestRequireRole(t *testing.T) {
	v := &stubValidator{}
	v.add("owner", uuid.New(), models.RoleOwner)
	v.add("user", uuid.New(), models.RoleUser)
	h := UserAuth(v)(RequireRole(models.RoleOwner)(whoAmI))

	cases := []struct {
		token string
		want  int
	}{
		{"owner", http.StatusOK},
		{"user", http.StatusForbidden},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+tc.token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.token, tc.want, rec.Code)
		}
	}

	// Without UserAuth upstream there is no identity at all.
	rec := httptest.NewRecorder()
	RequireRole(models.RoleOwner)(whoAmI).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without identity, got %d", rec.Code)
	}
}
