package service

import (
	"context"
	"time"

	"github.com/xela07ax/agentbank-core/internal/domain"
	"github.com/xela07ax/agentbank-core/internal/escrow"
	"github.com/xela07ax/agentbank-core/internal/infra/auth"
	"github.com/xela07ax/agentbank-core/internal/receipt"
)

type CreateEscrowRequest struct {
	Buyer      string                     `json:"buyer"`
	Seller     string                     `json:"seller"`
	Arbiter    string                     `json:"arbiter"`
	Amount     domain.Amount              `json:"amount"`
	Asset      domain.AssetID             `json:"asset"`
	Conditions []domain.DeliveryCondition `json:"conditions,omitempty"`
	Deadline   time.Time                  `json:"deadline"`
}

// EscrowAction — тело запроса перехода. Actor — участник, от имени которого выполняется шаг.
type EscrowAction struct {
	Actor  string         `json:"actor"`
	Proof  string         `json:"proof,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Ruling *domain.Ruling `json:"ruling,omitempty"`
}

type EscrowResult struct {
	Escrow   *domain.Escrow   `json:"escrow"`
	Receipts []domain.Receipt `json:"receipts"`
}

// CreateEscrow предлагает сделку покупатель или продавец.
func (b *Bank) CreateEscrow(ctx context.Context, req CreateEscrowRequest) (*domain.Escrow, error) {
	if err := authorizeAny(ctx, "create escrow", req.Buyer, req.Seller); err != nil {
		return nil, err
	}
	if req.Asset == "" {
		req.Asset = b.Asset
	}
	return b.Escrow.Create(ctx, escrow.CreateParams{
		Buyer:      req.Buyer,
		Seller:     req.Seller,
		Arbiter:    req.Arbiter,
		Amount:     req.Amount,
		Asset:      req.Asset,
		Conditions: req.Conditions,
		Deadline:   req.Deadline,
	})
}

func (b *Bank) GetEscrow(ctx context.Context, id string) (*domain.Escrow, error) {
	e, err := b.Escrow.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeAny(ctx, "read escrow", e.Buyer, e.Seller, e.Arbiter); err != nil {
		return nil, err
	}
	return e, nil
}

func (b *Bank) ListEscrows(ctx context.Context, statuses ...domain.EscrowStatus) ([]*domain.Escrow, error) {
	if err := requireAdmin(ctx, "list escrows"); err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		statuses = []domain.EscrowStatus{
			domain.EscrowCreated, domain.EscrowFunded, domain.EscrowDeliveryPending,
			domain.EscrowConfirmed, domain.EscrowDisputed, domain.EscrowExpired,
		}
	}
	return b.Escrow.ListByStatus(ctx, statuses...)
}

// EscrowTransition выполняет шаг машины состояний. Кто какой шаг может делать, решает escrow.Service;
// здесь проверяется только, что вызывающий действует от своего имени.
func (b *Bank) EscrowTransition(ctx context.Context, id, action string, req EscrowAction) (*EscrowResult, error) {
	if err := authorize(ctx, req.Actor, "escrow "+action); err != nil {
		return nil, err
	}

	var (
		e        *domain.Escrow
		receipts []domain.Receipt
		err      error
	)
	switch action {
	case "fund":
		e, receipts, err = b.Escrow.Fund(ctx, id, req.Actor)
	case "deliver":
		e, receipts, err = b.Escrow.StartDelivery(ctx, id, req.Actor, req.Proof)
	case "confirm":
		e, receipts, err = b.Escrow.Confirm(ctx, id, req.Actor)
	case "dispute":
		e, receipts, err = b.Escrow.Dispute(ctx, id, req.Actor, req.Reason)
	case "resolve":
		if req.Ruling == nil {
			return nil, domain.NewError(domain.CodeInvalidRuling, "resolve requires a ruling")
		}
		e, receipts, err = b.Escrow.Resolve(ctx, id, req.Actor, *req.Ruling)
	default:
		return nil, domain.NewError(domain.CodeInvalidTransition, "unknown escrow action %q", action)
	}
	if err != nil {
		return nil, err
	}
	if receipts == nil {
		receipts = []domain.Receipt{}
	}
	return &EscrowResult{Escrow: e, Receipts: receipts}, nil
}

// EscrowReceipts: цепочка квитанций эскроу (по одной на переход).
func (b *Bank) EscrowReceipts(ctx context.Context, id string) ([]domain.Receipt, error) {
	if _, err := b.GetEscrow(ctx, id); err != nil {
		return nil, err
	}
	return b.Receipts.List(ctx, receipt.EscrowChain(id))
}

func authorizeAny(ctx context.Context, action string, ids ...string) error {
	claims, ok := auth.ClaimsFrom(ctx)
	if !ok {
		return nil
	}
	for _, id := range ids {
		if id != "" && claims.CanActAs(id) {
			return nil
		}
	}
	return domain.NewError(domain.CodeForbidden, "%s: caller %s is not a participant", action, claims.Subject).
		WithDetail("caller", claims.Subject)
}
