package receipt

import (
	"context"
	"fmt"

	"github.com/xela07ax/agentbank-core/internal/crypto"
	"github.com/xela07ax/agentbank-core/internal/domain"
)

// Log хранит цепочки квитанций. Append делает compare-and-swap по голове цепочки:
// две квитанции не могут сослаться на один и тот же previous_receipt_hash.
type Log interface {
	Head(ctx context.Context, chain string) (string, error)
	Append(ctx context.Context, chain string, r domain.Receipt, expectedHead string) error
	List(ctx context.Context, chain string) ([]domain.Receipt, error)
}

// Ключи цепочек.
func CommitmentChain(sender string) string { return "agent:" + sender }
func EscrowChain(escrowID string) string { return "escrow:" + escrowID }
func IssuerChain(issuerID string) string { return "issuer:" + issuerID }

// Signer подписывает квитанции ключом одной роли.
type Signer struct {
	role domain.Role
	keys *crypto.KeyPair
}

func NewSigner(role domain.Role, keys *crypto.KeyPair) *Signer {
	return &Signer{role: role, keys: keys}
}

func (s *Signer) Role() domain.Role { return s.role }

func (s *Signer) PublicKeyHex() string { return s.keys.PublicKeyHex() }

// Sign проставляет signer_public_key и подпись над каноническими байтами без подписи.
func (s *Signer) Sign(r *domain.Receipt) error {
	if role, ok := r.Kind.SignerRole(); !ok || role != s.role {
		return fmt.Errorf("receipt: %s signer cannot sign %q receipts", s.role, r.Kind)
	}
	r.SignerPublicKey = s.keys.PublicKeyHex()
	sig, err := crypto.SignObject(s.keys, r.SigningView())
	if err != nil {
		return fmt.Errorf("receipt: sign %s: %w", r.ReceiptID, err)
	}
	r.Signature = sig
	return nil
}

// Hash: хэш подписанной квитанции, на него ссылается следующая в цепочке.
func Hash(r *domain.Receipt) (string, error) {
	return crypto.HashObject(r.HashView())
}
