package receipt

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/xela07ax/agentbank-core/internal/crypto"
	"github.com/xela07ax/agentbank-core/internal/domain"
)

// TrustStore сопоставляет роли (issuer/gate/escrow) публичным ключам.
type TrustStore struct {
	mu    sync.RWMutex
	roles map[domain.Role]map[string]struct{}
}

func NewTrustStore() *TrustStore {
	return &TrustStore{roles: make(map[domain.Role]map[string]struct{})}
}

// Trust добавляет ключ роли. Допускается несколько ключей на роль (ротация).
func (t *TrustStore) Trust(role domain.Role, publicKeyHex string) error {
	if _, err := crypto.ParsePublicKeyHex(publicKeyHex); err != nil {
		return fmt.Errorf("trust store: role %s: %w", role, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.roles[role] == nil {
		t.roles[role] = make(map[string]struct{})
	}
	t.roles[role][publicKeyHex] = struct{}{}
	return nil
}

func (t *TrustStore) IsTrusted(role domain.Role, publicKeyHex string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.roles[role][publicKeyHex]
	return ok
}

// trustFile — формат файла: {"issuer": ["hex", ...], "gate": [...], "escrow": [...]}
type trustFile map[domain.Role][]string

func (t *TrustStore) MarshalJSON() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(trustFile, len(t.roles))
	for role, keys := range t.roles {
		for k := range keys {
			out[role] = append(out[role], k)
		}
	}
	return json.Marshal(out)
}

// LoadTrustStore читает хранилище доверия из JSON-файла.
func LoadTrustStore(path string) (*TrustStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trust store: read %s: %w", path, err)
	}
	return ParseTrustStore(data)
}

func ParseTrustStore(data []byte) (*TrustStore, error) {
	var f trustFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("trust store: decode: %w", err)
	}
	ts := NewTrustStore()
	for role, keys := range f {
		for _, k := range keys {
			if err := ts.Trust(role, k); err != nil {
				return nil, err
			}
		}
	}
	return ts, nil
}
