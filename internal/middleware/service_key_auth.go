package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/blackmirrow/market/internal/models"
)

type contextKey string

const (
	ctxUserIDKey     contextKey = "user_id"
	ctxRoleKey       contextKey = "role"
	ctxServiceKeyKey contextKey = "service_key"
)

// ServiceKeyRepo is the interface used by service key auth middleware.
type ServiceKeyRepo interface {
	FindByKeyHash(ctx context.Context, keyHash string) (*models.ServiceKey, error)
}

// ServiceKeyAuth authenticates collaborators (the verifier bot) by hashing
// the Bearer token (SHA-256) and looking it up in service_keys.
func ServiceKeyAuth(repo ServiceKeyRepo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}

			key, err := repo.FindByKeyHash(r.Context(), HashKey(raw))
			if err != nil || !key.IsActive {
				http.Error(w, `{"error":"invalid service key"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ctxServiceKeyKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ServiceKeyFromCtx returns the authenticated collaborator key or nil.
func ServiceKeyFromCtx(ctx context.Context) *models.ServiceKey {
	k, _ := ctx.Value(ctxServiceKeyKey).(*models.ServiceKey)
	return k
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// HashKey is the stored form of a service key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
