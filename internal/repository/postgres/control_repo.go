package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ControlRepo: авторитетный источник kill-switch и списка отзыва.
// Redis и RAM прогреваются из него при старте и при переподключении.
type ControlRepo struct {
	pool *pgxpool.Pool
}

func NewControlRepo(pool *pgxpool.Pool) *ControlRepo {
	return &ControlRepo{pool: pool}
}

func (r *ControlRepo) SetFrozen(ctx context.Context, agentID string, frozen bool, reason string) error {
	var err error
	if frozen {
		_, err = r.pool.Exec(ctx, `
			INSERT INTO frozen_agents (agent_id, reason) VALUES ($1, $2)
			ON CONFLICT (agent_id) DO UPDATE SET reason = EXCLUDED.reason`, agentID, reason)
	} else {
		_, err = r.pool.Exec(ctx, `DELETE FROM frozen_agents WHERE agent_id = $1`, agentID)
	}
	if err != nil {
		return fmt.Errorf("postgres: failed to update frozen agent %s: %w", agentID, err)
	}
	return nil
}

func (r *ControlRepo) SetRevoked(ctx context.Context, permitID string, revoked bool, reason string) error {
	var err error
	if revoked {
		_, err = r.pool.Exec(ctx, `
			INSERT INTO revoked_permits (permit_id, reason) VALUES ($1, $2)
			ON CONFLICT (permit_id) DO NOTHING`, permitID, reason)
	} else {
		_, err = r.pool.Exec(ctx, `DELETE FROM revoked_permits WHERE permit_id = $1`, permitID)
	}
	if err != nil {
		return fmt.Errorf("postgres: failed to update revoked permit %s: %w", permitID, err)
	}
	return nil
}

func (r *ControlRepo) FrozenAgents(ctx context.Context) ([]string, error) {
	return r.ids(ctx, `SELECT agent_id FROM frozen_agents`)
}

func (r *ControlRepo) RevokedPermits(ctx context.Context) ([]string, error) {
	return r.ids(ctx, `SELECT permit_id FROM revoked_permits`)
}

func (r *ControlRepo) ids(ctx context.Context, query string) ([]string, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query ids: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
