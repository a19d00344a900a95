package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/xela07ax/agentbank-core/internal/domain"
)

type IdentityStore struct {
	mu         sync.RWMutex
	identities map[string]domain.Identity
}

func NewIdentityStore() *IdentityStore {
	return &IdentityStore{identities: make(map[string]domain.Identity)}
}

func (s *IdentityStore) Create(_ context.Context, id domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[id.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.identities[id.ID] = id
	return nil
}

func (s *IdentityStore) List(_ context.Context) ([]domain.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Identity, 0, len(s.identities))
	for _, id := range s.identities {
		out = append(out, id)
	}
	slices.SortFunc(out, func(a, b domain.Identity) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}
