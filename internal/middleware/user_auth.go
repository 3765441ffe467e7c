package middleware

import (
	"context"
	"net/http"
	"slices"

	"github.com/google/uuid"
)

// TokenValidator checks a session token and returns its subject and role.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

// UserAuth requires a valid session token and puts the user id and role
// into the request context.
func UserAuth(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			id, role, err := v.ValidateToken(r.Context(), raw)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), id, role)))
		})
	}
}

// RequireRole lets the request through only for the listed roles.
// It must run after UserAuth.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := UserIDFromCtx(r.Context()); !ok {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			if !slices.Contains(roles, RoleFromCtx(r.Context())) {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserIDFromCtx returns the authenticated user id.
func UserIDFromCtx(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxUserIDKey).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// RoleFromCtx returns the authenticated user's role, or "".
func RoleFromCtx(ctx context.Context) string {
	role, _ := ctx.Value(ctxRoleKey).(string)
	return role
}

// WithUser returns a context carrying the given user.
func WithUser(ctx context.Context, id uuid.UUID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxUserIDKey, id)
	return context.WithValue(ctx, ctxRoleKey, role)
}
