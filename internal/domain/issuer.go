package domain

import "time"

// ReserveAttestation — заявленное обеспечение. Меняет reserve cap.
type ReserveAttestation struct {
	ReserveAmount Amount    `json:"reserve_amount"`
	Attestor      string    `json:"attestor"`
	AttestedAt    time.Time `json:"attested_at"`
	Hash          string    `json:"hash"`
}

// IssuerState — авторитетное состояние эмитента, общее для всех экземпляров сервиса.
// Supply резервируется здесь до зачисления, поэтому Supply >= суммы балансов актива.
type IssuerState struct {
	IssuerID    string              `json:"issuer_id"`
	Asset       AssetID             `json:"asset"`
	Supply      Amount              `json:"supply"`
	ReserveCap  Amount              `json:"reserve_cap"`
	Halted      bool                `json:"halted"`
	HaltReason  string              `json:"halt_reason,omitempty"`
	Attestation *ReserveAttestation `json:"attestation,omitempty"`
	Version     uint64              `json:"version"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

func (s *IssuerState) Clone() *IssuerState {
	c := *s
	if s.Attestation != nil {
		a := *s.Attestation
		c.Attestation = &a
	}
	return &c
}

// Remaining: сколько еще можно выпустить под текущий резерв.
func (s *IssuerState) Remaining() Amount {
	r, err := s.ReserveCap.Sub(s.Supply)
	if err != nil {
		return 0
	}
	return r
}
