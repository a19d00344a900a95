package domain

import "time"

// PaymentIntent: совещательное предложение платежа. Ядро не доверяет ничему, кроме структуры;
// авторизация выводится из Permit и Budget.
type PaymentIntent struct {
	IntentID  string    `json:"intent_id"`
	PermitID  string    `json:"permit_id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Asset     AssetID   `json:"asset"`
	Amount    Amount    `json:"amount"`
	Purpose   string    `json:"purpose,omitempty"`
	Memo      string    `json:"memo,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate: только структурная проверка.
func (i PaymentIntent) Validate() error {
	switch {
	case i.IntentID == "":
		return NewError(CodeIntentInvalid, "intent_id is required")
	case i.PermitID == "":
		return NewError(CodeIntentInvalid, "intent %s: permit_id is required", i.IntentID)
	case i.Sender == "" || i.Recipient == "":
		return NewError(CodeIntentInvalid, "intent %s: sender and recipient are required", i.IntentID)
	case i.Sender == i.Recipient:
		return NewError(CodeIntentInvalid, "intent %s: sender and recipient must differ", i.IntentID)
	case i.Asset == "":
		return NewError(CodeIntentInvalid, "intent %s: asset is required", i.IntentID)
	case i.Amount == 0:
		return NewError(CodeIntentInvalid, "intent %s: amount must be positive", i.IntentID)
	}
	return nil
}

// HashView: вид для хэша в Evidence.
func (i PaymentIntent) HashView() map[string]any {
	return map[string]any{
		"intent_id":  i.IntentID,
		"permit_id":  i.PermitID,
		"sender":     i.Sender,
		"recipient":  i.Recipient,
		"asset":      string(i.Asset),
		"amount":     uint64(i.Amount),
		"purpose":    i.Purpose,
		"memo":       i.Memo,
		"created_at": FormatTime(i.CreatedAt),
	}
}

// ConsequenceRef — ссылка на внешнее последствие коммитмента (заказ, счет, поставка).
type ConsequenceRef struct {
	Type        string            `json:"type"`
	ReferenceID string            `json:"reference_id"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
