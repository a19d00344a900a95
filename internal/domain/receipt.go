package domain

import "time"

type ReceiptKind string

const (
	ReceiptIssuer     ReceiptKind = "issuer"
	ReceiptCommitment ReceiptKind = "commitment"
	ReceiptEscrow     ReceiptKind = "escrow"
)

// SignerRole: какой роли доверенного хранилища должен принадлежать подписант квитанции данного вида.
func (k ReceiptKind) SignerRole() (Role, bool) {
	switch k {
	case ReceiptIssuer:
		return RoleIssuer, true
	case ReceiptCommitment:
		return RoleGate, true
	case ReceiptEscrow:
		return RoleEscrow, true
	}
	return "", false
}

// Receipt: подписанное доказательство операции. Общая форма для трех видов,
// поля конкретного вида опциональны.
type Receipt struct {
	Kind      ReceiptKind `json:"kind"`
	ReceiptID string      `json:"receipt_id"`
	Operation string      `json:"operation"`
	Amount    Amount      `json:"amount"`
	Asset     AssetID     `json:"asset"`
	Parties   []string    `json:"parties"`
	Timestamp time.Time   `json:"timestamp"`

	// commitment
	PermitID       string          `json:"permit_id,omitempty"`
	BudgetID       string          `json:"budget_id,omitempty"`
	IntentID       string          `json:"intent_id,omitempty"`
	ConsequenceRef *ConsequenceRef `json:"consequence_ref,omitempty"`
	EvidenceHash   string          `json:"evidence_hash,omitempty"`

	// escrow
	EscrowID   string `json:"escrow_id,omitempty"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status,omitempty"`
	Trigger    string `json:"trigger,omitempty"`

	// issuer
	Reason string `json:"reason,omitempty"`

	PreviousReceiptHash string `json:"previous_receipt_hash,omitempty"`
	SignerPublicKey     string `json:"signer_public_key"`
	Signature           string `json:"signature"`
}

// SigningView: все поля, кроме подписи. Пустые опциональные поля опускаются,
// чтобы канонические байты совпадали с JSON-представлением квитанции.
func (r *Receipt) SigningView() map[string]any {
	parties := r.Parties
	if parties == nil {
		parties = []string{}
	}
	v := map[string]any{
		"kind":              string(r.Kind),
		"receipt_id":        r.ReceiptID,
		"operation":         r.Operation,
		"amount":            uint64(r.Amount),
		"asset":             string(r.Asset),
		"parties":           parties,
		"timestamp":         FormatTime(r.Timestamp),
		"signer_public_key": r.SignerPublicKey,
	}
	optional := map[string]string{
		"permit_id":             r.PermitID,
		"budget_id":             r.BudgetID,
		"intent_id":             r.IntentID,
		"evidence_hash":         r.EvidenceHash,
		"escrow_id":             r.EscrowID,
		"from_status":           r.FromStatus,
		"to_status":             r.ToStatus,
		"trigger":               r.Trigger,
		"reason":                r.Reason,
		"previous_receipt_hash": r.PreviousReceiptHash,
	}
	for k, val := range optional {
		if val != "" {
			v[k] = val
		}
	}
	if r.ConsequenceRef != nil {
		v["consequence_ref"] = r.ConsequenceRef
	}
	return v
}

// HashView дает вид для хэша квитанции (цепочка previous_receipt_hash), подпись входит.
func (r *Receipt) HashView() map[string]any {
	v := r.SigningView()
	v["signature"] = r.Signature
	return v
}
