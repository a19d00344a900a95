package domain

import (
	"errors"
	"time"
)

// Статусы конечного автомата эскроу
type EscrowStatus string

const (
	EscrowCreated         EscrowStatus = "CREATED"
	EscrowFunded          EscrowStatus = "FUNDED"
	EscrowDeliveryPending EscrowStatus = "DELIVERY_PENDING"
	EscrowConfirmed       EscrowStatus = "CONFIRMED"
	EscrowReleased        EscrowStatus = "RELEASED"
	EscrowDisputed        EscrowStatus = "DISPUTED"
	EscrowResolved        EscrowStatus = "RESOLVED"
	EscrowExpired         EscrowStatus = "EXPIRED"
	EscrowRefunded        EscrowStatus = "REFUNDED"
)

// Триггеры переходов, попадают в квитанцию.
const (
	TriggerBuyerFunded     = "buyer_funded"
	TriggerDeliveryStarted = "seller_delivery_started"
	TriggerBuyerConfirmed  = "buyer_confirmed"
	TriggerAutoRelease     = "auto_release"
	TriggerDisputeOpened   = "dispute_opened"
	TriggerArbiterRuling   = "arbiter_ruling"
	TriggerDeadlinePassed  = "deadline_passed"
	TriggerAutoRefund      = "auto_refund"
)

var escrowTransitions = map[EscrowStatus][]EscrowStatus{
	EscrowCreated:         {EscrowFunded},
	EscrowFunded:          {EscrowDeliveryPending, EscrowExpired},
	EscrowDeliveryPending: {EscrowConfirmed, EscrowDisputed, EscrowExpired},
	EscrowConfirmed:       {EscrowReleased},
	EscrowDisputed:        {EscrowResolved},
	EscrowExpired:         {EscrowRefunded},
}

var ErrEscrowTerminal = errors.New("escrow is in a terminal state")

func (s EscrowStatus) IsTerminal() bool {
	return s == EscrowReleased || s == EscrowRefunded || s == EscrowResolved
}

// HoldsFunds: в этих статусах сумма эскроу лежит на холдинговом счете.
func (s EscrowStatus) HoldsFunds() bool {
	switch s {
	case EscrowFunded, EscrowDeliveryPending, EscrowConfirmed, EscrowDisputed, EscrowExpired:
		return true
	}
	return false
}

type ConditionType string

const (
	ConditionServiceCompletion ConditionType = "service_completion"
	ConditionDataDelivery      ConditionType = "data_delivery"
	ConditionOracleAttestation ConditionType = "oracle_attestation"
	ConditionBuyerConfirmation ConditionType = "buyer_confirmation"
	ConditionTimeBased         ConditionType = "time_based"
	ConditionCustom            ConditionType = "custom"
)

// DeliveryCondition — условие поставки. Ядро его хранит, но не исполняет: подтверждение дает покупатель.
type DeliveryCondition struct {
	Type          ConditionType `json:"type"`
	ServiceID     string        `json:"service_id,omitempty"`
	DataHash      string        `json:"data_hash,omitempty"`
	OracleID      string        `json:"oracle_id,omitempty"`
	ExpectedValue string        `json:"expected_value,omitempty"`
	ReleaseAfter  time.Duration `json:"release_after,omitempty"`
	Description   string        `json:"description,omitempty"`
}

type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
)

// Ruling — решение арбитра: либо победитель, либо доля продавца в процентах.
type Ruling struct {
	Winner        Party  `json:"winner,omitempty"`
	SellerPercent *uint8 `json:"seller_percent,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func (r Ruling) Validate() error {
	switch {
	case r.Winner != "" && r.SellerPercent != nil:
		return NewError(CodeInvalidRuling, "ruling must name a winner or a split, not both")
	case r.Winner == "" && r.SellerPercent == nil:
		return NewError(CodeInvalidRuling, "ruling must name a winner or a split")
	case r.Winner != "" && r.Winner != PartyBuyer && r.Winner != PartySeller:
		return NewError(CodeInvalidRuling, "unknown winner %q", r.Winner)
	case r.SellerPercent != nil && *r.SellerPercent > 100:
		return NewError(CodeInvalidRuling, "seller_percent %d is above 100", *r.SellerPercent)
	}
	return nil
}

// Split делит сумму: продавцу floor(amount*pct/100), покупателю остаток.
func (r Ruling) Split(amount Amount) (seller, buyer Amount, err error) {
	if err := r.Validate(); err != nil {
		return 0, 0, err
	}
	switch r.Winner {
	case PartySeller:
		return amount, 0, nil
	case PartyBuyer:
		return 0, amount, nil
	}
	seller, err = amount.MulDiv(uint64(*r.SellerPercent), 100)
	if err != nil {
		return 0, 0, err
	}
	return seller, amount - seller, nil
}

type Escrow struct {
	EscrowID        string              `json:"escrow_id"`
	Buyer           string              `json:"buyer"`
	Seller          string              `json:"seller"`
	Arbiter         string              `json:"arbiter"`
	Amount          Amount              `json:"amount"`
	Asset           AssetID             `json:"asset"`
	Conditions      []DeliveryCondition `json:"delivery_conditions,omitempty"`
	Status          EscrowStatus        `json:"status"`
	CreatedAt       time.Time           `json:"created_at"`
	Deadline        time.Time           `json:"deadline"`
	FundedAt        *time.Time          `json:"funded_at,omitempty"`
	DeliveredAt     *time.Time          `json:"delivered_at,omitempty"`
	ResolvedAt      *time.Time          `json:"resolved_at,omitempty"`
	DeliveryProof   string              `json:"delivery_proof,omitempty"`
	DisputeReason   string              `json:"dispute_reason,omitempty"`
	ArbiterRuling   *Ruling             `json:"arbiter_ruling,omitempty"`
	LastReceiptHash string              `json:"last_receipt_hash,omitempty"`
	// Pending: статус уже сохранен, проводка перехода еще не подтверждена.
	Pending *PendingPosting `json:"pending,omitempty"`
	Version uint64          `json:"version"`
}

// EscrowLeg — нога проводки перехода эскроу.
type EscrowLeg struct {
	From   string      `json:"from,omitempty"`
	To     string      `json:"to,omitempty"`
	Amount Amount      `json:"amount"`
	Reason EntryReason `json:"reason"`
}

// PendingPosting фиксирует захваченный переход до подтверждения проводки.
// Prior: эскроу до перехода, в него возвращаемся, если проводка отклонена.
type PendingPosting struct {
	CorrelationID string      `json:"correlation_id"`
	Legs          []EscrowLeg `json:"legs"`
	Receipt       Receipt     `json:"receipt"`
	Prior         *Escrow     `json:"prior"`
	Since         time.Time   `json:"since"`
}

func (e *Escrow) Validate() error {
	switch {
	case e.EscrowID == "" || e.Buyer == "" || e.Seller == "" || e.Arbiter == "":
		return NewError(CodeEscrowInvalid, "escrow id, buyer, seller and arbiter are required")
	case e.Buyer == e.Seller:
		return NewError(CodeEscrowInvalid, "escrow %s: buyer and seller must differ", e.EscrowID)
	case e.Arbiter == e.Buyer || e.Arbiter == e.Seller:
		return NewError(CodeEscrowInvalid, "escrow %s: arbiter must be independent", e.EscrowID)
	case e.Amount == 0:
		return NewError(CodeEscrowInvalid, "escrow %s: amount must be positive", e.EscrowID)
	case e.Asset == "":
		return NewError(CodeEscrowInvalid, "escrow %s: asset is required", e.EscrowID)
	case !e.Deadline.After(e.CreatedAt):
		return NewError(CodeEscrowInvalid, "escrow %s: deadline must be after creation", e.EscrowID)
	}
	return nil
}

// CanTransitionTo проверяет правила конечного автомата
func (e *Escrow) CanTransitionTo(next EscrowStatus) error {
	if e.Status.IsTerminal() {
		return NewError(CodeInvalidTransition, "escrow %s is %s", e.EscrowID, e.Status).
			Wrap(ErrEscrowTerminal).
			WithDetail("from", string(e.Status)).
			WithDetail("to", string(next))
	}
	for _, allowed := range escrowTransitions[e.Status] {
		if allowed == next {
			return nil
		}
	}
	return NewError(CodeInvalidTransition, "escrow %s: %s -> %s is not allowed", e.EscrowID, e.Status, next).
		WithDetail("from", string(e.Status)).
		WithDetail("to", string(next))
}

// IsExpired дает единое сравнение для ленивой проверки и фоновой зачистки (now > deadline).
func (e *Escrow) IsExpired(now time.Time) bool {
	if e.Status != EscrowFunded && e.Status != EscrowDeliveryPending {
		return false
	}
	return now.After(e.Deadline)
}

func (e *Escrow) Clone() *Escrow {
	c := *e
	c.Conditions = append([]DeliveryCondition(nil), e.Conditions...)
	c.FundedAt = cloneTime(e.FundedAt)
	c.DeliveredAt = cloneTime(e.DeliveredAt)
	c.ResolvedAt = cloneTime(e.ResolvedAt)
	if e.ArbiterRuling != nil {
		r := *e.ArbiterRuling
		if r.SellerPercent != nil {
			p := *r.SellerPercent
			r.SellerPercent = &p
		}
		c.ArbiterRuling = &r
	}
	if e.Pending != nil {
		p := *e.Pending
		p.Legs = append([]EscrowLeg(nil), e.Pending.Legs...)
		p.Receipt.Parties = append([]string(nil), e.Pending.Receipt.Parties...)
		if p.Prior != nil {
			p.Prior = p.Prior.Clone()
		}
		c.Pending = &p
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
