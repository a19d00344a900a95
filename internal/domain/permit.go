package domain

import (
	"slices"
	"time"
)

// SpendPurpose — описательная цель разрешения.
type SpendPurpose struct {
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
}

// Permit: подписанное ограниченное разрешение тратить из бюджета.
// Неизменяемо, кроме Remaining, который только уменьшается.
type Permit struct {
	PermitID        string                 `json:"permit_id"`
	Issuer          string                 `json:"issuer"`
	BoundBudget     string                 `json:"bound_budget"`
	AssetClass      AssetID                `json:"asset_class"`
	MaxAmount       Amount                 `json:"max_amount"`
	Remaining       Amount                 `json:"remaining"`
	Counterparty    CounterpartyConstraint `json:"counterparty"`
	Purpose         SpendPurpose           `json:"purpose"`
	AllowedPurposes []string               `json:"allowed_purposes,omitempty"`
	ValidFrom       time.Time              `json:"valid_from"`
	ExpiresAt       time.Time              `json:"expires_at"`
	Signature       string                 `json:"signature"`
	Version         uint64                 `json:"version"`
}

// SigningView: канонический вид без подписи, остатка и версии хранилища.
// Остаток меняется при каждой трате, поэтому подписывается MaxAmount.
func (p *Permit) SigningView() map[string]any {
	return map[string]any{
		"permit_id":        p.PermitID,
		"issuer":           p.Issuer,
		"bound_budget":     p.BoundBudget,
		"asset_class":      string(p.AssetClass),
		"max_amount":       uint64(p.MaxAmount),
		"counterparty":     p.Counterparty,
		"purpose":          p.Purpose,
		"allowed_purposes": p.allowedPurposesView(),
		"valid_from":       FormatTime(p.ValidFrom),
		"expires_at":       FormatTime(p.ExpiresAt),
	}
}

func (p *Permit) allowedPurposesView() []string {
	if len(p.AllowedPurposes) == 0 {
		return []string{}
	}
	return p.AllowedPurposes
}

// Validate проверяет форму разрешения (до проверки подписи).
func (p *Permit) Validate() error {
	switch {
	case p.PermitID == "" || p.Issuer == "" || p.BoundBudget == "" || p.AssetClass == "":
		return NewError(CodePermitInvalid, "permit id, issuer, bound budget and asset class are required")
	case p.MaxAmount == 0:
		return NewError(CodePermitInvalid, "permit %s: max_amount must be positive", p.PermitID)
	case p.Remaining > p.MaxAmount:
		return NewError(CodePermitInvalid, "permit %s: remaining exceeds max_amount", p.PermitID)
	case p.ExpiresAt.IsZero() || !p.ExpiresAt.After(p.ValidFrom):
		return NewError(CodePermitInvalid, "permit %s: expires_at must be after valid_from", p.PermitID)
	case !p.Counterparty.WellFormed():
		return NewError(CodePermitInvalid, "permit %s: counterparty constraint is malformed", p.PermitID)
	}
	return nil
}

// AllowsPurpose: пустой список означает отсутствие ограничения.
func (p *Permit) AllowsPurpose(purpose string) bool {
	if len(p.AllowedPurposes) == 0 {
		return true
	}
	return slices.Contains(p.AllowedPurposes, purpose)
}

func (p *Permit) Clone() *Permit {
	c := *p
	c.AllowedPurposes = append([]string(nil), p.AllowedPurposes...)
	c.Counterparty = cloneConstraint(p.Counterparty)
	return &c
}

func cloneConstraint(c CounterpartyConstraint) CounterpartyConstraint {
	out := c
	out.Identities = append([]string(nil), c.Identities...)
	if len(c.Children) > 0 {
		out.Children = make([]CounterpartyConstraint, len(c.Children))
		for i, ch := range c.Children {
			out.Children[i] = cloneConstraint(ch)
		}
	}
	return out
}
