package service

import (
	"context"

	"github.com/xela07ax/agentbank-core/internal/crypto"
	"github.com/xela07ax/agentbank-core/internal/domain"
)

type RegisterIdentityRequest struct {
	ID           string   `json:"id"`
	PublicKeyHex string   `json:"public_key"`
	Categories   []string `json:"categories,omitempty"`
}

// RegisterIdentity: только администратор привязывает агента к ключу.
func (b *Bank) RegisterIdentity(ctx context.Context, req RegisterIdentityRequest) (domain.Identity, error) {
	if err := requireAdmin(ctx, "register identity"); err != nil {
		return domain.Identity{}, err
	}
	pub, err := crypto.ParsePublicKeyHex(req.PublicKeyHex)
	if err != nil {
		return domain.Identity{}, domain.NewError(domain.CodeInvalidSignature, "identity %s: malformed public key", req.ID).Wrap(err)
	}
	return b.Identities.Register(ctx, req.ID, pub, req.Categories...)
}

func (b *Bank) GetIdentity(ctx context.Context, id string) (domain.Identity, error) {
	ident, ok := b.Identities.Lookup(id)
	if !ok {
		return domain.Identity{}, domain.NewError(domain.CodeUnknownIdentity, "identity %s is not registered", id).
			WithDetail("identity", id)
	}
	return ident, nil
}

// CreateBudget: бюджет создает владелец (или администратор).
func (b *Bank) CreateBudget(ctx context.Context, budget *domain.Budget) (*domain.Budget, error) {
	if err := authorize(ctx, budget.Owner, "create budget"); err != nil {
		return nil, err
	}
	if budget.Asset == "" {
		budget.Asset = b.Asset
	}
	return b.Budgets.Create(ctx, budget)
}

func (b *Bank) GetBudget(ctx context.Context, id string) (*domain.Budget, error) {
	bud, err := b.Budgets.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(ctx, bud.Owner, "read budget"); err != nil {
		return nil, err
	}
	return bud, nil
}

// RegisterPermit принимает разрешение, подписанное ключом выпустившего агента на его стороне.
func (b *Bank) RegisterPermit(ctx context.Context, p *domain.Permit) (*domain.Permit, error) {
	if err := authorize(ctx, p.Issuer, "register permit"); err != nil {
		return nil, err
	}
	bud, err := b.Budgets.Get(ctx, p.BoundBudget)
	if err != nil {
		return nil, err
	}
	if bud.Owner != p.Issuer {
		return nil, domain.NewError(domain.CodePermitBudgetMismatch, "permit %s: budget %s is owned by %s, not %s", p.PermitID, bud.BudgetID, bud.Owner, p.Issuer).
			WithDetail("budget_id", bud.BudgetID)
	}
	return b.Permits.Register(ctx, p)
}

func (b *Bank) GetPermit(ctx context.Context, id string) (*domain.Permit, error) {
	p, err := b.Permits.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(ctx, p.Issuer, "read permit"); err != nil {
		return nil, err
	}
	return p, nil
}
