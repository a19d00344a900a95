package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashObject: SHA-256 от канонического JSON значения.
func HashObject(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// ChainHash = sha256(canonical ++ prev), где prev: 32 байта предыдущего хэша.
func ChainHash(canonical []byte, prevHashHex string) (string, error) {
	prev, err := hex.DecodeString(prevHashHex)
	if err != nil || len(prev) != sha256.Size {
		return "", fmt.Errorf("chain: malformed previous hash %q", prevHashHex)
	}
	h := sha256.New()
	h.Write(canonical)
	h.Write(prev)
	return hex.EncodeToString(h.Sum(nil)), nil
}
