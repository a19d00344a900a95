package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/budget"
	"github.com/xela07ax/agentbank-core/internal/domain"
	"github.com/xela07ax/agentbank-core/internal/engine"
	"github.com/xela07ax/agentbank-core/internal/escrow"
	"github.com/xela07ax/agentbank-core/internal/identity"
	"github.com/xela07ax/agentbank-core/internal/infra/auth"
	"github.com/xela07ax/agentbank-core/internal/issuer"
	"github.com/xela07ax/agentbank-core/internal/ledger"
	"github.com/xela07ax/agentbank-core/internal/permit"
	"github.com/xela07ax/agentbank-core/internal/proposer"
	"github.com/xela07ax/agentbank-core/internal/receipt"
)

// ControlStore — авторитетная запись kill-switch и списка отзыва (Postgres).
type ControlStore interface {
	SetFrozen(ctx context.Context, agentID string, frozen bool, reason string) error
	SetRevoked(ctx context.Context, permitID string, revoked bool, reason string) error
}

// Deps — ядро, над которым HTTP-слой работает как тонкий транспорт.
type Deps struct {
	Gate       *engine.CommitmentGate
	Ledger     *ledger.Ledger
	Escrow     *escrow.Service
	Issuer     *issuer.Issuer
	Permits    *permit.Service
	Budgets    *budget.Registry
	Identities *identity.Registry
	Receipts   receipt.Log
	Verifier   *receipt.Verifier
	Proposer   proposer.Proposer

	Frozen  *engine.StateSet
	Revoked *engine.StateSet
	Control ControlStore // nil: состояние живет только в Redis/RAM

	Asset         domain.AssetID
	RetryAttempts uint
}

// Bank — прикладной слой API: авторизация вызывающего и делегирование ядру.
type Bank struct {
	Deps
	logger *zap.Logger
	now    func() time.Time
}

func NewBank(deps Deps, logger *zap.Logger) *Bank {
	if deps.RetryAttempts == 0 {
		deps.RetryAttempts = 1
	}
	return &Bank{Deps: deps, logger: logger.Named("api-service"), now: time.Now}
}

// authorize: агент действует только от своего имени. Без claims (auth выключен) доверяем вызывающему.
func authorize(ctx context.Context, identityID, action string) error {
	claims, ok := auth.ClaimsFrom(ctx)
	if !ok {
		return nil
	}
	if !claims.CanActAs(identityID) {
		return domain.NewError(domain.CodeForbidden, "%s: caller %s cannot act as %s", action, claims.Subject, identityID).
			WithDetail("caller", claims.Subject).
			WithDetail("identity", identityID)
	}
	return nil
}

func requireAdmin(ctx context.Context, action string) error {
	claims, ok := auth.ClaimsFrom(ctx)
	if !ok {
		return nil
	}
	if !claims.HasScope(auth.ScopeAdmin) {
		return domain.NewError(domain.CodeForbidden, "%s requires the %s scope", action, auth.ScopeAdmin).
			WithDetail("caller", claims.Subject)
	}
	return nil
}
