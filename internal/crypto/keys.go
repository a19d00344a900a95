package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyPair — Ed25519 пара. Приватная часть наружу не отдается.
type KeyPair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keys: generate: %w", err)
	}
	return &KeyPair{Public: pub, private: priv}, nil
}

func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("keys: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{Public: priv.Public().(ed25519.PublicKey), private: priv}, nil
}

// DeriveKeyPair выводит ключ роли из мастер-секрета через HKDF-SHA256.
// Один секрет в конфиге дает стабильные ключи issuer/gate/escrow между рестартами.
func DeriveKeyPair(master []byte, role string) (*KeyPair, error) {
	if len(master) < 32 {
		return nil, fmt.Errorf("keys: master secret must be at least 32 bytes")
	}
	r := hkdf.New(sha256.New, master, []byte("agentbank-core/v1"), []byte("role:"+role))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("keys: derive %s: %w", role, err)
	}
	return KeyPairFromSeed(seed)
}

func (k *KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.private, msg)
}

func (k *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(k.Public)
}

// Verify проверяет подпись с проверкой размеров: на мусорный ключ или подпись просто false.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

func ParsePublicKeyHex(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("keys: public key is not hex: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("keys: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// SignObject подписывает канонический JSON значения и возвращает подпись в hex.
func SignObject(k *KeyPair, v any) (string, error) {
	msg, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(k.Sign(msg)), nil
}

// VerifyObject парная к SignObject проверка. Нераспарсиваемая подпись дает отказ.
func VerifyObject(pub ed25519.PublicKey, v any, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	msg, err := Canonicalize(v)
	if err != nil {
		return false
	}
	return Verify(pub, msg, sig)
}
