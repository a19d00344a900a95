package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/domain"
	"github.com/xela07ax/agentbank-core/internal/engine"
	"github.com/xela07ax/agentbank-core/internal/issuer"
)

type ControlRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SupplyRequest struct {
	Account string        `json:"account"`
	Amount  domain.Amount `json:"amount"`
	Reason  string        `json:"reason,omitempty"`
}

type AttestRequest struct {
	ReserveAmount domain.Amount `json:"reserve_amount"`
	Attestor      string        `json:"attestor"`
}

// SetAgentFrozen: kill-switch. Сначала БД (источник правды для прогрева), затем сигнал остальным инстансам.
func (b *Bank) SetAgentFrozen(ctx context.Context, agentID string, frozen bool, reason string) error {
	if err := requireAdmin(ctx, "freeze agent"); err != nil {
		return err
	}
	return b.updateState(ctx, b.Frozen, agentID, frozen, "kill-switch", func() error {
		if b.Control == nil {
			return nil
		}
		return b.Control.SetFrozen(ctx, agentID, frozen, reason)
	})
}

// SetPermitRevoked: отзыв разрешения вне подписи. Проверяется при каждой валидации.
func (b *Bank) SetPermitRevoked(ctx context.Context, permitID string, revoked bool, reason string) error {
	if err := requireAdmin(ctx, "revoke permit"); err != nil {
		return err
	}
	return b.updateState(ctx, b.Revoked, permitID, revoked, "revocation", func() error {
		if b.Control == nil {
			return nil
		}
		return b.Control.SetRevoked(ctx, permitID, revoked, reason)
	})
}

// updateState переключает состояние: 1. запись в БД, 2. Redis + pub/sub, 3. локальная копия.
func (b *Bank) updateState(ctx context.Context, set *engine.StateSet, id string, on bool, action string, persist func() error) error {
	if id == "" {
		return domain.NewError(domain.CodeIntentInvalid, "%s: id is required", action)
	}
	if err := persist(); err != nil {
		b.logger.Error("failed to persist control state",
			zap.String("action", action),
			zap.String("id", id),
			zap.Error(err))
		return fmt.Errorf("%s database error: %w", action, err)
	}
	if err := set.Publish(ctx, id, on); err != nil {
		// Локальная копия уже обновлена, остальные инстансы догонят при переподключении.
		b.logger.Warn("runtime signal delivery failed", zap.String("action", action), zap.Error(err))
	}
	b.logger.Info("control state updated", zap.String("action", action), zap.String("id", id), zap.Bool("on", on))
	return nil
}

func (b *Bank) Mint(ctx context.Context, req SupplyRequest) (domain.Receipt, error) {
	if err := requireAdmin(ctx, "mint"); err != nil {
		return domain.Receipt{}, err
	}
	return b.Issuer.Mint(ctx, req.Account, req.Amount, req.Reason)
}

func (b *Bank) Burn(ctx context.Context, req SupplyRequest) (domain.Receipt, error) {
	if err := requireAdmin(ctx, "burn"); err != nil {
		return domain.Receipt{}, err
	}
	return b.Issuer.Burn(ctx, req.Account, req.Amount, req.Reason)
}

func (b *Bank) SetIssuerHalted(ctx context.Context, halted bool, reason string) (issuer.Status, error) {
	if err := requireAdmin(ctx, "halt issuer"); err != nil {
		return issuer.Status{}, err
	}
	var err error
	if halted {
		err = b.Issuer.Halt(ctx, reason)
	} else {
		err = b.Issuer.Resume(ctx)
	}
	if err != nil {
		return issuer.Status{}, err
	}
	return b.Issuer.Status(ctx)
}

func (b *Bank) Attest(ctx context.Context, req AttestRequest) (issuer.ReserveAttestation, error) {
	if err := requireAdmin(ctx, "attest reserve"); err != nil {
		return issuer.ReserveAttestation{}, err
	}
	return b.Issuer.Attest(ctx, req.ReserveAmount, req.Attestor)
}

func (b *Bank) IssuerStatus(ctx context.Context) (issuer.Status, error) {
	return b.Issuer.Status(ctx)
}

func (b *Bank) IssuerReceipts(ctx context.Context) ([]domain.Receipt, error) {
	return b.Issuer.Receipts(ctx)
}
