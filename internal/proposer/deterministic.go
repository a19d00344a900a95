package proposer

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/agentbank-core/internal/domain"
)

// Deterministic принимает цену контрагента, если она укладывается в доступную сумму.
// Не ходит в сеть, поэтому годится для тестов и как запасной вариант.
type Deterministic struct {
	now func() time.Time
}

func NewDeterministic(now func() time.Time) *Deterministic {
	if now == nil {
		now = time.Now
	}
	return &Deterministic{now: now}
}

func (d *Deterministic) ProposeIntent(_ context.Context, ac AgentContext) (*Proposal, error) {
	if err := validateContext(ac); err != nil {
		return nil, err
	}
	if ac.Offer == 0 {
		return nil, domain.NewError(domain.CodeIntentInvalid, "offer must be positive")
	}
	if ac.Offer > ac.Available {
		return nil, domain.NewError(domain.CodePermitInsufficientRemaining, "offer %d is above available %d", ac.Offer, ac.Available).
			WithDetail("offer", uint64(ac.Offer)).
			WithDetail("available", uint64(ac.Available))
	}

	intent := domain.PaymentIntent{
		IntentID:  domain.NewID(domain.PrefixIntent),
		PermitID:  ac.PermitID,
		Sender:    ac.AgentID,
		Recipient: ac.Counterparty,
		Asset:     ac.Asset,
		Amount:    ac.Offer,
		Purpose:   ac.Purpose,
		Memo:      ac.Memo,
		CreatedAt: domain.Timestamp(d.now()),
	}
	return &Proposal{
		Intent:    intent,
		Rationale: fmt.Sprintf("offer %d fits available %d", ac.Offer, ac.Available),
		Source:    "deterministic",
	}, nil
}
