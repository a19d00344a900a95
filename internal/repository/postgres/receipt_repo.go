package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/agentbank-core/internal/domain"
	"github.com/xela07ax/agentbank-core/internal/receipt"
)

// ReceiptRepo: цепочки квитанций. Голова цепочки лежит в receipt_heads и
// блокируется FOR UPDATE на время добавления.
type ReceiptRepo struct {
	pool *pgxpool.Pool
}

func NewReceiptRepo(pool *pgxpool.Pool) *ReceiptRepo {
	return &ReceiptRepo{pool: pool}
}

var _ receipt.Log = (*ReceiptRepo)(nil)

func (r *ReceiptRepo) Head(ctx context.Context, chain string) (string, error) {
	var head string
	err := r.pool.QueryRow(ctx, `SELECT head_hash FROM receipt_heads WHERE chain = $1`, chain).Scan(&head)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("postgres: failed to read receipt head: %w", err)
	}
	return head, nil
}

func (r *ReceiptRepo) Append(ctx context.Context, chain string, rc domain.Receipt, expectedHead string) error {
	hash, err := receipt.Hash(&rc)
	if err != nil {
		return err
	}
	body, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode receipt: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	conflict := func() error {
		return domain.NewError(domain.CodeReceiptHeadConflict, "chain %s moved past %q", chain, expectedHead).
			WithDetail("chain", chain)
	}

	var (
		head string
		seq  int64
	)
	err = tx.QueryRow(ctx, `SELECT head_hash, seq FROM receipt_heads WHERE chain = $1 FOR UPDATE`, chain).Scan(&head, &seq)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if expectedHead != "" {
			return conflict()
		}
		ct, err := tx.Exec(ctx, `INSERT INTO receipt_heads (chain, head_hash, seq) VALUES ($1, $2, 1) ON CONFLICT (chain) DO NOTHING`, chain, hash)
		if err != nil {
			return fmt.Errorf("postgres: failed to init receipt head: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return conflict()
		}
		seq = 1
	case err != nil:
		return fmt.Errorf("postgres: failed to lock receipt head: %w", err)
	default:
		if head != expectedHead {
			return conflict()
		}
		seq++
		if _, err := tx.Exec(ctx, `UPDATE receipt_heads SET head_hash = $2, seq = $3 WHERE chain = $1`, chain, hash, seq); err != nil {
			return fmt.Errorf("postgres: failed to move receipt head: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `INSERT INTO receipts (chain, seq, receipt_id, hash, body) VALUES ($1, $2, $3, $4, $5)`,
		chain, seq, rc.ReceiptID, hash, body); err != nil {
		return fmt.Errorf("postgres: failed to insert receipt: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: failed to commit receipt: %w", err)
	}
	return nil
}

func (r *ReceiptRepo) List(ctx context.Context, chain string) ([]domain.Receipt, error) {
	rows, err := r.pool.Query(ctx, `SELECT body FROM receipts WHERE chain = $1 ORDER BY seq`, chain)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query receipts: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Receipt, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan receipt: %w", err)
		}
		var rc domain.Receipt
		if err := json.Unmarshal(raw, &rc); err != nil {
			return nil, fmt.Errorf("postgres: failed to decode receipt: %w", err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}
