package receipt

import (
	"time"

	"github.com/xela07ax/agentbank-core/internal/crypto"
	"github.com/xela07ax/agentbank-core/internal/domain"
)

// Verifier проверяет квитанции офлайн: нужны только байты квитанции и хранилище доверия.
type Verifier struct {
	trust   *TrustStore
	now     func() time.Time
	maxSkew time.Duration
}

type VerifierOption func(*Verifier)

// WithClock подменяет часы (тесты, воспроизведение аудита на момент времени).
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// WithMaxSkew допускает расхождение часов подписанта и проверяющего.
func WithMaxSkew(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.maxSkew = d }
}

func NewVerifier(trust *TrustStore, opts ...VerifierOption) *Verifier {
	v := &Verifier{trust: trust, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify: вид -> доверенный подписант роли -> ненулевая сумма -> время не в будущем -> подпись.
func (v *Verifier) Verify(r *domain.Receipt) error {
	role, ok := r.Kind.SignerRole()
	if !ok {
		return domain.NewError(domain.CodeReceiptInvalid, "unknown receipt kind %q", r.Kind)
	}
	if r.ReceiptID == "" || r.Signature == "" || r.SignerPublicKey == "" {
		return domain.NewError(domain.CodeReceiptInvalid, "receipt is missing id, signature or signer key")
	}
	if !v.trust.IsTrusted(role, r.SignerPublicKey) {
		return domain.NewError(domain.CodeUntrustedSigner, "receipt %s: signer is not a trusted %s key", r.ReceiptID, role).
			WithDetail("role", string(role))
	}
	if r.Amount == 0 {
		return domain.NewError(domain.CodeZeroAmount, "receipt %s has zero amount", r.ReceiptID)
	}
	if r.Timestamp.IsZero() {
		return domain.NewError(domain.CodeReceiptInvalid, "receipt %s has no timestamp", r.ReceiptID)
	}
	if now := v.now(); r.Timestamp.After(now.Add(v.maxSkew)) {
		return domain.NewError(domain.CodeFutureTimestamp, "receipt %s is dated in the future", r.ReceiptID).
			WithDetail("timestamp", domain.FormatTime(r.Timestamp)).
			WithDetail("now", domain.FormatTime(now))
	}

	pub, err := crypto.ParsePublicKeyHex(r.SignerPublicKey)
	if err != nil {
		return domain.NewError(domain.CodeInvalidSignature, "receipt %s: signer key is malformed", r.ReceiptID).Wrap(err)
	}
	if !crypto.VerifyObject(pub, r.SigningView(), r.Signature) {
		return domain.NewError(domain.CodeInvalidSignature, "receipt %s: signature does not verify", r.ReceiptID)
	}
	return nil
}

// VerifyChain проверяет каждую квитанцию и связи previous_receipt_hash в порядке следования.
func (v *Verifier) VerifyChain(receipts []domain.Receipt) error {
	prev := ""
	for i := range receipts {
		r := &receipts[i]
		if err := v.Verify(r); err != nil {
			return err
		}
		if r.PreviousReceiptHash != prev {
			return domain.NewError(domain.CodeReceiptChainBroken, "receipt %s does not link to its predecessor", r.ReceiptID).
				WithDetail("index", i).
				WithDetail("expected_previous", prev).
				WithDetail("actual_previous", r.PreviousReceiptHash)
		}
		h, err := Hash(r)
		if err != nil {
			return domain.NewError(domain.CodeReceiptInvalid, "receipt %s cannot be hashed", r.ReceiptID).Wrap(err)
		}
		prev = h
	}
	return nil
}
