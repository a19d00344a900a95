package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/domain"
	"github.com/xela07ax/agentbank-core/internal/engine"
	"github.com/xela07ax/agentbank-core/internal/proposer"
	"github.com/xela07ax/agentbank-core/internal/receipt"
)

type CommitRequest struct {
	Intent         domain.PaymentIntent   `json:"intent"`
	BudgetID       string                 `json:"budget_id"`
	ConsequenceRef *domain.ConsequenceRef `json:"consequence_ref,omitempty"`
}

type CommitResponse struct {
	Receipt  *domain.Receipt  `json:"receipt"`
	Evidence *domain.Evidence `json:"evidence"`
}

// Commit проводит намерение через Gate. Конфликты конкурентности повторяются внутри.
func (b *Bank) Commit(ctx context.Context, req CommitRequest) (*CommitResponse, error) {
	if err := authorize(ctx, req.Intent.Sender, "commit"); err != nil {
		return nil, err
	}
	if req.Intent.CreatedAt.IsZero() {
		req.Intent.CreatedAt = domain.Timestamp(b.now())
	}
	rcpt, ev, err := engine.CommitWithRetry(ctx, b.Gate, b.RetryAttempts, req.Intent, req.Intent.PermitID, req.BudgetID, req.ConsequenceRef)
	if err != nil {
		return nil, err
	}
	return &CommitResponse{Receipt: rcpt, Evidence: ev}, nil
}

func (b *Bank) Commitment(ctx context.Context, sender, intentID string) (*domain.Commitment, error) {
	if err := authorize(ctx, sender, "read commitment"); err != nil {
		return nil, err
	}
	return b.Gate.Commitment(ctx, sender, intentID)
}

// AgentReceipts: цепочка квитанций коммитментов отправителя.
func (b *Bank) AgentReceipts(ctx context.Context, agentID string) ([]domain.Receipt, error) {
	if err := authorize(ctx, agentID, "read receipts"); err != nil {
		return nil, err
	}
	return b.Receipts.List(ctx, receipt.CommitmentChain(agentID))
}

// ProposeIntent спрашивает reasoning-сервис. Результат совещательный: он ничего не двигает.
func (b *Bank) ProposeIntent(ctx context.Context, ac proposer.AgentContext) (*proposer.Proposal, error) {
	if err := authorize(ctx, ac.AgentID, "propose"); err != nil {
		return nil, err
	}
	if ac.Asset == "" {
		ac.Asset = b.Asset
	}
	if ac.Available == 0 && ac.PermitID != "" {
		if p, err := b.Permits.Get(ctx, ac.PermitID); err == nil && p.Issuer == ac.AgentID {
			ac.Available = p.Remaining
		}
	}
	proposal, err := b.Proposer.ProposeIntent(ctx, ac)
	if err != nil {
		b.logger.Warn("proposer failed", zap.String("agent_id", ac.AgentID), zap.Error(err))
		return nil, err
	}
	return proposal, nil
}

type VerifyResult struct {
	Valid      bool   `json:"valid"`
	ReceiptID  string `json:"receipt_id,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	ChainValid *bool  `json:"chain_valid,omitempty"`
}

// VerifyReceipts выполняет офлайн-проверку (подпись, доверенный подписант, время). Для нескольких
// квитанций дополнительно проверяется сцепка previous_receipt_hash.
func (b *Bank) VerifyReceipts(receipts []domain.Receipt) []VerifyResult {
	out := make([]VerifyResult, 0, len(receipts)+1)
	allValid := true
	for i := range receipts {
		res := VerifyResult{Valid: true, ReceiptID: receipts[i].ReceiptID}
		if err := b.Verifier.Verify(&receipts[i]); err != nil {
			allValid = false
			res.Valid = false
			res.Code = string(domain.CodeOf(err))
			res.Message = err.Error()
		}
		out = append(out, res)
	}
	if len(receipts) > 1 && allValid {
		chainOK := true
		res := VerifyResult{Valid: true}
		if err := b.Verifier.VerifyChain(receipts); err != nil {
			chainOK = false
			res.Valid = false
			res.Code = string(domain.CodeOf(err))
			res.Message = err.Error()
		}
		res.ChainValid = &chainOK
		out = append(out, res)
	}
	return out
}
