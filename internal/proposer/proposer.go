// Package proposer содержит совещательный слой, то есть стратегии, которые предлагают PaymentIntent.
// Предложение ничего не авторизует, его проверяет Gate как любое другое намерение.
package proposer

import (
	"context"

	"github.com/xela07ax/agentbank-core/internal/domain"
)

// AgentContext — то, что агент знает о сделке в момент принятия решения.
type AgentContext struct {
	AgentID      string         `json:"agent_id"`
	PermitID     string         `json:"permit_id"`
	Counterparty string         `json:"counterparty"`
	Asset        domain.AssetID `json:"asset"`
	// Available: сколько агент может потратить (остаток разрешения или бюджета).
	Available domain.Amount `json:"available"`
	// Offer: цена, которую запросил контрагент.
	Offer   domain.Amount `json:"offer"`
	Purpose string        `json:"purpose,omitempty"`
	Memo    string        `json:"memo,omitempty"`
}

type Proposal struct {
	Intent    domain.PaymentIntent `json:"intent"`
	Rationale string               `json:"rationale,omitempty"`
	Source    string               `json:"source"`
}

type Proposer interface {
	ProposeIntent(ctx context.Context, ac AgentContext) (*Proposal, error)
}

func validateContext(ac AgentContext) error {
	switch {
	case ac.AgentID == "" || ac.Counterparty == "":
		return domain.NewError(domain.CodeIntentInvalid, "agent and counterparty are required")
	case ac.PermitID == "":
		return domain.NewError(domain.CodeIntentInvalid, "permit_id is required")
	case ac.Asset == "":
		return domain.NewError(domain.CodeIntentInvalid, "asset is required")
	}
	return nil
}
