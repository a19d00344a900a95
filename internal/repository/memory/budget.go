package memory

import (
	"context"
	"sync"

	"github.com/xela07ax/agentbank-core/internal/domain"
)

type BudgetStore struct {
	mu      sync.RWMutex
	budgets map[string]*domain.Budget
}

func NewBudgetStore() *BudgetStore {
	return &BudgetStore{budgets: make(map[string]*domain.Budget)}
}

func (s *BudgetStore) Get(_ context.Context, id string) (*domain.Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.budgets[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b.Clone(), nil
}

func (s *BudgetStore) Create(_ context.Context, b *domain.Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.budgets[b.BudgetID]; ok {
		return domain.ErrAlreadyExists
	}
	s.budgets[b.BudgetID] = b.Clone()
	return nil
}

// Save пишет бюджет, если сохраненная версия равна expected. b.Version должен быть уже увеличен.
func (s *BudgetStore) Save(_ context.Context, b *domain.Budget, expected uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.budgets[b.BudgetID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != expected {
		return domain.NewError(domain.CodeVersionConflict, "budget %s: expected version %d, found %d", b.BudgetID, expected, cur.Version)
	}
	s.budgets[b.BudgetID] = b.Clone()
	return nil
}
