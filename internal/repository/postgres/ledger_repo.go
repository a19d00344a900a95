package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/agentbank-core/internal/domain"
)

type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

const selectAccount = `
	SELECT owner, asset, balance::text, version, head_hash, created_at, updated_at
	FROM accounts`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		a       domain.Account
		asset   string
		balance string
		version int64
	)
	if err := row.Scan(&a.Owner, &asset, &balance, &version, &a.HeadHash, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to scan account: %w", err)
	}
	bal, err := parseAmount(balance)
	if err != nil {
		return nil, err
	}
	a.Asset = domain.AssetID(asset)
	a.Balance = bal
	a.Version = uint64(version)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func (r *LedgerRepo) GetAccount(ctx context.Context, key domain.AccountKey) (*domain.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, selectAccount+` WHERE owner = $1 AND asset = $2`, key.Owner, string(key.Asset)))
}

func (r *LedgerRepo) CreateAccount(ctx context.Context, acc domain.Account) error {
	ct, err := r.pool.Exec(ctx, `
		INSERT INTO accounts (owner, asset, balance, version, head_hash, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7)
		ON CONFLICT (owner, asset) DO NOTHING`,
		acc.Owner, string(acc.Asset), amountArg(acc.Balance), int64(acc.Version), acc.HeadHash, acc.CreatedAt, acc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create account: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

// Commit пишет счета и записи в одной транзакции. Обновление счета идет с условием
// по ожидаемой версии: ноль затронутых строк означает, что кто-то успел раньше.
func (r *LedgerRepo) Commit(ctx context.Context, batch domain.LedgerBatch) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // после Commit это no-op

	for _, u := range batch.Accounts {
		a := u.Account
		var q string
		args := []any{a.Owner, string(a.Asset), amountArg(a.Balance), int64(a.Version), a.HeadHash, a.UpdatedAt}
		if u.Create {
			q = `INSERT INTO accounts (owner, asset, balance, version, head_hash, updated_at, created_at)
			     VALUES ($1, $2, $3::numeric, $4, $5, $6, $7)
			     ON CONFLICT (owner, asset) DO NOTHING`
			args = append(args, a.CreatedAt)
		} else {
			q = `UPDATE accounts
			     SET balance = $3::numeric, version = $4, head_hash = $5, updated_at = $6
			     WHERE owner = $1 AND asset = $2 AND version = $7`
			args = append(args, int64(u.ExpectedVersion))
		}
		ct, err := tx.Exec(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("postgres: failed to write account %s: %w", a.Key(), err)
		}
		if ct.RowsAffected() == 0 {
			return domain.NewError(domain.CodeVersionConflict, "account %s: expected version %d", a.Key(), u.ExpectedVersion).
				WithDetail("account", a.Key().String())
		}
	}

	b := &pgx.Batch{}
	for _, e := range batch.Entries {
		b.Queue(`
			INSERT INTO ledger_entries (entry_id, account, asset, direction, operation, amount, from_account, to_account,
			                            balance_after, account_version, correlation_id, timestamp, prev_entry_hash, entry_hash)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9::numeric, $10, $11, $12, $13, $14)`,
			e.EntryID, e.Account, string(e.Asset), string(e.Direction), string(e.Operation), amountArg(e.Amount),
			e.From, e.To, amountArg(e.BalanceAfter), int64(e.AccountVersion), e.CorrelationID, e.Timestamp,
			e.PrevEntryHash, e.EntryHash)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("postgres: failed to insert ledger entries: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: failed to commit ledger batch: %w", err)
	}
	return nil
}

func (r *LedgerRepo) ListEntries(ctx context.Context, key domain.AccountKey) ([]domain.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT entry_id, account, asset, direction, operation, amount::text, from_account, to_account,
		       balance_after::text, account_version, correlation_id, timestamp, prev_entry_hash, entry_hash
		FROM ledger_entries
		WHERE account = $1 AND asset = $2
		ORDER BY account_version`, key.Owner, string(key.Asset))
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	out := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		var (
			e                    domain.LedgerEntry
			asset, dir, op       string
			amount, balanceAfter string
			version              int64
		)
		if err := rows.Scan(&e.EntryID, &e.Account, &asset, &dir, &op, &amount, &e.From, &e.To,
			&balanceAfter, &version, &e.CorrelationID, &e.Timestamp, &e.PrevEntryHash, &e.EntryHash); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan ledger entry: %w", err)
		}
		if e.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		if e.BalanceAfter, err = parseAmount(balanceAfter); err != nil {
			return nil, err
		}
		e.Asset = domain.AssetID(asset)
		e.Direction = domain.Direction(dir)
		e.Operation = domain.EntryReason(op)
		e.AccountVersion = uint64(version)
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *LedgerRepo) ListAccounts(ctx context.Context, asset domain.AssetID) ([]domain.Account, error) {
	rows, err := r.pool.Query(ctx, selectAccount+` WHERE asset = $1 ORDER BY owner`, string(asset))
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query accounts: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
