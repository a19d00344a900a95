package engine

import (
	"context"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/xela07ax/agentbank-core/internal/domain"
)

// CommitWithRetry повторяет CreateCommitment только при ошибках конкурентности
// (конфликт версий, таймаут блокировки). Повтор безопасен: тот же intent_id не спишется дважды.
func CommitWithRetry(ctx context.Context, g *CommitmentGate, attempts uint, intent domain.PaymentIntent, permitID, budgetID string, ref *domain.ConsequenceRef) (*domain.Receipt, *domain.Evidence, error) {
	if attempts == 0 {
		attempts = 1
	}
	var (
		rcpt *domain.Receipt
		ev   *domain.Evidence
	)
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.RetryIf(domain.IsRetryable),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return retry.BackOffDelay(n, err, config)
		}),
		retry.Delay(5*time.Millisecond),
	)
	err := r.Do(func() error {
		var callErr error
		rcpt, ev, callErr = g.CreateCommitment(ctx, intent, permitID, budgetID, ref)
		return callErr
	})
	if err != nil {
		return nil, nil, err
	}
	return rcpt, ev, nil
}
