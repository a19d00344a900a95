package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/agentbank-core/internal/audit"
	"github.com/xela07ax/agentbank-core/internal/domain"
)

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// Количество колонок в таблице audit_logs
const auditColumns = 14

func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	query, vals := buildAuditInsert(events)
	if _, err := r.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: failed to write audit batch: %w", err)
	}
	return nil
}

// buildAuditInsert динамически строит запрос для пакетной вставки.
func buildAuditInsert(events []audit.AuditEvent) (string, []any) {
	var b strings.Builder
	vals := make([]any, 0, len(events)*auditColumns)

	for i, e := range events {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 1; c <= auditColumns; c++ {
			if c > 1 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*auditColumns+c)
			if c == 6 {
				b.WriteString("::numeric")
			}
		}
		b.WriteByte(')')

		var details []byte
		if len(e.Details) > 0 {
			details, _ = json.Marshal(e.Details)
		}
		vals = append(vals,
			e.ID, e.TraceID, e.Category, e.ActorID, e.Subject,
			amountArg(domain.Amount(e.Amount)), e.Asset, e.Status, e.Code, e.ReceiptID,
			details, e.DurationMs, e.Error, e.Timestamp,
		)
	}

	query := "INSERT INTO audit_logs (id, trace_id, category, actor_id, subject, amount, asset, status, code, receipt_id, details, duration_ms, error, timestamp) VALUES " +
		b.String() + " ON CONFLICT (id) DO NOTHING"
	return query, vals
}
