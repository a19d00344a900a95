package memory

import (
	"context"
	"sync"

	"github.com/xela07ax/agentbank-core/internal/domain"
)

type IssuerStateStore struct {
	mu     sync.RWMutex
	states map[string]*domain.IssuerState
}

func NewIssuerStateStore() *IssuerStateStore {
	return &IssuerStateStore{states: make(map[string]*domain.IssuerState)}
}

func (s *IssuerStateStore) Get(_ context.Context, issuerID string) (*domain.IssuerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[issuerID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return st.Clone(), nil
}

func (s *IssuerStateStore) Create(_ context.Context, st *domain.IssuerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[st.IssuerID]; ok {
		return domain.ErrAlreadyExists
	}
	s.states[st.IssuerID] = st.Clone()
	return nil
}

func (s *IssuerStateStore) Save(_ context.Context, st *domain.IssuerState, expected uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.states[st.IssuerID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != expected {
		return domain.NewError(domain.CodeVersionConflict, "issuer %s: expected version %d, found %d", st.IssuerID, expected, cur.Version)
	}
	s.states[st.IssuerID] = st.Clone()
	return nil
}
