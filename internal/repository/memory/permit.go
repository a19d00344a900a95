package memory

import (
	"context"
	"sync"

	"github.com/xela07ax/agentbank-core/internal/domain"
)

type PermitStore struct {
	mu      sync.RWMutex
	permits map[string]*domain.Permit
}

func NewPermitStore() *PermitStore {
	return &PermitStore{permits: make(map[string]*domain.Permit)}
}

func (s *PermitStore) Get(_ context.Context, id string) (*domain.Permit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.permits[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *PermitStore) Create(_ context.Context, p *domain.Permit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.permits[p.PermitID]; ok {
		return domain.ErrAlreadyExists
	}
	s.permits[p.PermitID] = p.Clone()
	return nil
}

func (s *PermitStore) Save(_ context.Context, p *domain.Permit, expected uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.permits[p.PermitID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != expected {
		return domain.NewError(domain.CodeVersionConflict, "permit %s: expected version %d, found %d", p.PermitID, expected, cur.Version)
	}
	s.permits[p.PermitID] = p.Clone()
	return nil
}
