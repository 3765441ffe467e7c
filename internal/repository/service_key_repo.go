package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blackmirrow/market/internal/models"
)

type ServiceKeyRepo struct {
	pool *pgxpool.Pool
}

func NewServiceKeyRepo(pool *pgxpool.Pool) *ServiceKeyRepo {
	return &ServiceKeyRepo{pool: pool}
}

func (r *ServiceKeyRepo) FindByKeyHash(ctx context.Context, hash string) (*models.ServiceKey, error) {
	var k models.ServiceKey
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, key_hash, key_prefix, is_active FROM service_keys WHERE key_hash = $1
	`, hash).Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.IsActive)
	if err != nil {
		return nil, notFound(err)
	}
	return &k, nil
}

// Ensure registers the hashed key under name, replacing a previous key of the
// same name. Used at startup to provision the verifier bot's key from config.
func (r *ServiceKeyRepo) Ensure(ctx context.Context, name, hash, prefix string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO service_keys (id, name, key_hash, key_prefix, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (name) DO UPDATE SET key_hash = EXCLUDED.key_hash, key_prefix = EXCLUDED.key_prefix, is_active = TRUE
	`, uuid.New(), name, hash, prefix)
	return err
}
