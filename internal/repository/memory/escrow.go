package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/xela07ax/agentbank-core/internal/domain"
)

type EscrowStore struct {
	mu      sync.RWMutex
	escrows map[string]*domain.Escrow
}

func NewEscrowStore() *EscrowStore {
	return &EscrowStore{escrows: make(map[string]*domain.Escrow)}
}

func (s *EscrowStore) Get(_ context.Context, id string) (*domain.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.escrows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *EscrowStore) Create(_ context.Context, e *domain.Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escrows[e.EscrowID]; ok {
		return domain.ErrAlreadyExists
	}
	s.escrows[e.EscrowID] = e.Clone()
	return nil
}

func (s *EscrowStore) Save(_ context.Context, e *domain.Escrow, expected uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.escrows[e.EscrowID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != expected {
		return domain.NewError(domain.CodeVersionConflict, "escrow %s: expected version %d, found %d", e.EscrowID, expected, cur.Version)
	}
	s.escrows[e.EscrowID] = e.Clone()
	return nil
}

func (s *EscrowStore) ListByStatus(_ context.Context, statuses ...domain.EscrowStatus) ([]*domain.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Escrow
	for _, e := range s.escrows {
		if len(statuses) == 0 || slices.Contains(statuses, e.Status) {
			out = append(out, e.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *domain.Escrow) int { return cmp.Compare(a.EscrowID, b.EscrowID) })
	return out, nil
}

func (s *EscrowStore) ListPending(_ context.Context) ([]*domain.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Escrow
	for _, e := range s.escrows {
		if e.Pending != nil {
			out = append(out, e.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *domain.Escrow) int { return cmp.Compare(a.EscrowID, b.EscrowID) })
	return out, nil
}
