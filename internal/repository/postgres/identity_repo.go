package postgres

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/agentbank-core/internal/domain"
)

type IdentityRepo struct {
	pool *pgxpool.Pool
}

func NewIdentityRepo(pool *pgxpool.Pool) *IdentityRepo {
	return &IdentityRepo{pool: pool}
}

func (r *IdentityRepo) Create(ctx context.Context, id domain.Identity) error {
	categories := id.Categories
	if categories == nil {
		categories = []string{}
	}
	ct, err := r.pool.Exec(ctx, `
		INSERT INTO identities (id, public_key, categories, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		id.ID, []byte(id.PublicKey), categories, id.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create identity: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

// List: холодная загрузка реестра при старте.
func (r *IdentityRepo) List(ctx context.Context) ([]domain.Identity, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, public_key, categories, created_at FROM identities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query identities: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Identity, 0)
	for rows.Next() {
		var (
			id  domain.Identity
			key []byte
		)
		if err := rows.Scan(&id.ID, &key, &id.Categories, &id.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan identity: %w", err)
		}
		id.PublicKey = ed25519.PublicKey(key)
		id.CreatedAt = id.CreatedAt.UTC()
		out = append(out, id)
	}
	return out, rows.Err()
}
