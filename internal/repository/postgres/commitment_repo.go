package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/agentbank-core/internal/domain"
)

// CommitmentRepo — ключ идемпотентности Gate: первичный ключ (sender, intent_id).
type CommitmentRepo struct {
	pool *pgxpool.Pool
}

func NewCommitmentRepo(pool *pgxpool.Pool) *CommitmentRepo {
	return &CommitmentRepo{pool: pool}
}

func (r *CommitmentRepo) Get(ctx context.Context, sender, intentID string) (*domain.Commitment, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `SELECT doc FROM commitments WHERE sender = $1 AND intent_id = $2`, sender, intentID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get commitment: %w", err)
	}
	var c domain.Commitment
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("postgres: failed to decode commitment: %w", err)
	}
	return &c, nil
}

// Latest: последний коммитмент отправителя в порядке вставки.
func (r *CommitmentRepo) Latest(ctx context.Context, sender string) (*domain.Commitment, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `SELECT doc FROM commitments WHERE sender = $1 ORDER BY seq DESC LIMIT 1`, sender).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get latest commitment: %w", err)
	}
	var c domain.Commitment
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("postgres: failed to decode commitment: %w", err)
	}
	return &c, nil
}

func (r *CommitmentRepo) Create(ctx context.Context, c domain.Commitment) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode commitment: %w", err)
	}
	ct, err := r.pool.Exec(ctx, `
		INSERT INTO commitments (sender, intent_id, doc, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (sender, intent_id) DO NOTHING`,
		c.Sender, c.IntentID, raw, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create commitment: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (r *CommitmentRepo) Delete(ctx context.Context, sender, intentID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM commitments WHERE sender = $1 AND intent_id = $2`, sender, intentID); err != nil {
		return fmt.Errorf("postgres: failed to delete commitment: %w", err)
	}
	return nil
}
