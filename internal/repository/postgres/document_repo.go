package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/agentbank-core/internal/domain"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// docTable — агрегаты, которые хранятся целиком как JSONB с отдельной колонкой версии.
type docTable struct {
	pool  *pgxpool.Pool
	table string
}

func (t docTable) get(ctx context.Context, id string, dst any) error {
	var raw []byte
	err := t.pool.QueryRow(ctx, `SELECT doc FROM `+t.table+` WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: failed to get %s %s: %w", t.table, id, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("postgres: failed to decode %s %s: %w", t.table, id, err)
	}
	return nil
}

func (t docTable) create(ctx context.Context, id string, version uint64, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode %s %s: %w", t.table, id, err)
	}
	_, err = t.pool.Exec(ctx, `INSERT INTO `+t.table+` (id, version, doc) VALUES ($1, $2, $3)`, id, int64(version), raw)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: failed to create %s %s: %w", t.table, id, err)
	}
	return nil
}

func (t docTable) save(ctx context.Context, id string, version, expected uint64, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode %s %s: %w", t.table, id, err)
	}
	ct, err := t.pool.Exec(ctx, `UPDATE `+t.table+` SET version = $2, doc = $3 WHERE id = $1 AND version = $4`,
		id, int64(version), raw, int64(expected))
	if err != nil {
		return fmt.Errorf("postgres: failed to save %s %s: %w", t.table, id, err)
	}
	if ct.RowsAffected() == 0 {
		return domain.NewError(domain.CodeVersionConflict, "%s %s: expected version %d", t.table, id, expected).
			WithDetail("id", id)
	}
	return nil
}

type BudgetRepo struct{ docs docTable }

func NewBudgetRepo(pool *pgxpool.Pool) *BudgetRepo {
	return &BudgetRepo{docs: docTable{pool: pool, table: "budgets"}}
}

func (r *BudgetRepo) Get(ctx context.Context, id string) (*domain.Budget, error) {
	var b domain.Budget
	if err := r.docs.get(ctx, id, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *BudgetRepo) Create(ctx context.Context, b *domain.Budget) error {
	return r.docs.create(ctx, b.BudgetID, b.Version, b)
}

func (r *BudgetRepo) Save(ctx context.Context, b *domain.Budget, expected uint64) error {
	return r.docs.save(ctx, b.BudgetID, b.Version, expected, b)
}

type PermitRepo struct{ docs docTable }

func NewPermitRepo(pool *pgxpool.Pool) *PermitRepo {
	return &PermitRepo{docs: docTable{pool: pool, table: "permits"}}
}

func (r *PermitRepo) Get(ctx context.Context, id string) (*domain.Permit, error) {
	var p domain.Permit
	if err := r.docs.get(ctx, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PermitRepo) Create(ctx context.Context, p *domain.Permit) error {
	return r.docs.create(ctx, p.PermitID, p.Version, p)
}

func (r *PermitRepo) Save(ctx context.Context, p *domain.Permit, expected uint64) error {
	return r.docs.save(ctx, p.PermitID, p.Version, expected, p)
}

// IssuerStateRepo: одна строка на эмитента, версия сериализует эмиссию между экземплярами.
type IssuerStateRepo struct{ docs docTable }

func NewIssuerStateRepo(pool *pgxpool.Pool) *IssuerStateRepo {
	return &IssuerStateRepo{docs: docTable{pool: pool, table: "issuer_state"}}
}

func (r *IssuerStateRepo) Get(ctx context.Context, issuerID string) (*domain.IssuerState, error) {
	var st domain.IssuerState
	if err := r.docs.get(ctx, issuerID, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *IssuerStateRepo) Create(ctx context.Context, st *domain.IssuerState) error {
	return r.docs.create(ctx, st.IssuerID, st.Version, st)
}

func (r *IssuerStateRepo) Save(ctx context.Context, st *domain.IssuerState, expected uint64) error {
	return r.docs.save(ctx, st.IssuerID, st.Version, expected, st)
}

// EscrowRepo дополнительно держит статус и дедлайн в колонках: по ним идет выборка для зачистки.
type EscrowRepo struct {
	pool *pgxpool.Pool
	docs docTable
}

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool, docs: docTable{pool: pool, table: "escrows"}}
}

func (r *EscrowRepo) Get(ctx context.Context, id string) (*domain.Escrow, error) {
	var e domain.Escrow
	if err := r.docs.get(ctx, id, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *EscrowRepo) Create(ctx context.Context, e *domain.Escrow) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode escrow %s: %w", e.EscrowID, err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO escrows (id, status, deadline, version, doc) VALUES ($1, $2, $3, $4, $5)`,
		e.EscrowID, string(e.Status), e.Deadline, int64(e.Version), raw)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: failed to create escrow %s: %w", e.EscrowID, err)
	}
	return nil
}

func (r *EscrowRepo) Save(ctx context.Context, e *domain.Escrow, expected uint64) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode escrow %s: %w", e.EscrowID, err)
	}
	ct, err := r.pool.Exec(ctx, `
		UPDATE escrows SET status = $2, version = $3, doc = $4
		WHERE id = $1 AND version = $5`,
		e.EscrowID, string(e.Status), int64(e.Version), raw, int64(expected))
	if err != nil {
		return fmt.Errorf("postgres: failed to save escrow %s: %w", e.EscrowID, err)
	}
	if ct.RowsAffected() == 0 {
		return domain.NewError(domain.CodeVersionConflict, "escrow %s: expected version %d", e.EscrowID, expected).
			WithDetail("escrow_id", e.EscrowID)
	}
	return nil
}

// ListPending: эскроу с незавершенной проводкой перехода.
func (r *EscrowRepo) ListPending(ctx context.Context) ([]*domain.Escrow, error) {
	return r.list(ctx, `SELECT doc FROM escrows WHERE doc ? 'pending' ORDER BY id`)
}

func (r *EscrowRepo) ListByStatus(ctx context.Context, statuses ...domain.EscrowStatus) ([]*domain.Escrow, error) {
	query := `SELECT doc FROM escrows`
	var args []any
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, names)
	}
	query += ` ORDER BY id`
	return r.list(ctx, query, args...)
}

func (r *EscrowRepo) list(ctx context.Context, query string, args ...any) ([]*domain.Escrow, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query escrows: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Escrow, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan escrow: %w", err)
		}
		var e domain.Escrow
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("postgres: failed to decode escrow: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
