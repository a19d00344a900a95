package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/domain"
)

// DefaultMaxDepth: сколько уровней иерархии проходит обход родителей, включая лист.
const DefaultMaxDepth = 8

type Store interface {
	Get(ctx context.Context, id string) (*domain.Budget, error)
	Create(ctx context.Context, b *domain.Budget) error
	Save(ctx context.Context, b *domain.Budget, expectedVersion uint64) error
}

// Registry — поиск бюджетов по ID и обход иерархии. Родители хранятся как ID, не как указатели.
type Registry struct {
	store    Store
	maxDepth int
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Registry)

func WithMaxDepth(depth int) Option {
	return func(r *Registry) {
		if depth > 0 {
			r.maxDepth = depth
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(store Store, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		maxDepth: DefaultMaxDepth,
		logger:   logger.Named("budget"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create регистрирует бюджет. Родитель должен существовать и быть в том же активе,
// а новая цепочка не должна превышать максимальную глубину.
func (r *Registry) Create(ctx context.Context, b *domain.Budget) (*domain.Budget, error) {
	b = b.Clone()
	if b.BudgetID == "" {
		b.BudgetID = domain.NewID(domain.PrefixBudget)
	}
	if b.Status == "" {
		b.Status = domain.BudgetActive
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = domain.Timestamp(r.now())
	}
	b.SpentTotal = 0
	b.History = nil
	b.Version = 1
	if err := b.Validate(); err != nil {
		return nil, err
	}

	if b.ParentID != "" {
		chain, err := r.Chain(ctx, b.ParentID)
		if err != nil {
			return nil, err
		}
		if len(chain)+1 > r.maxDepth {
			return nil, domain.NewError(domain.CodeBudgetHierarchyInvalid, "budget %s would be %d levels deep, max %d", b.BudgetID, len(chain)+1, r.maxDepth)
		}
		if chain[0].Asset != b.Asset {
			return nil, domain.NewError(domain.CodeBudgetHierarchyInvalid, "budget %s asset %s differs from parent asset %s", b.BudgetID, b.Asset, chain[0].Asset)
		}
	}

	if err := r.store.Create(ctx, b); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil, domain.NewError(domain.CodeBudgetInvalid, "budget %s already exists", b.BudgetID)
		}
		return nil, fmt.Errorf("budget: create %s: %w", b.BudgetID, err)
	}
	r.logger.Info("budget created",
		zap.String("budget_id", b.BudgetID),
		zap.String("owner", b.Owner),
		zap.String("parent_id", b.ParentID))
	return b.Clone(), nil
}

func (r *Registry) Get(ctx context.Context, id string) (*domain.Budget, error) {
	b, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewError(domain.CodeBudgetNotFound, "budget %s not found", id).WithDetail("budget_id", id)
		}
		return nil, fmt.Errorf("budget: load %s: %w", id, err)
	}
	return b, nil
}

// Chain возвращает лист и всех предков (индекс = уровень). Обход итеративный:
// пропавший предок, цикл или превышение глубины: отказ, а не усечение цепочки.
func (r *Registry) Chain(ctx context.Context, leafID string) ([]*domain.Budget, error) {
	chain := make([]*domain.Budget, 0, 4)
	seen := make(map[string]struct{}, 4)

	for id := leafID; id != ""; {
		if _, ok := seen[id]; ok {
			return nil, domain.NewError(domain.CodeBudgetHierarchyInvalid, "budget hierarchy of %s has a cycle at %s", leafID, id).
				WithDetail("budget_id", id)
		}
		if len(chain) == r.maxDepth {
			return nil, domain.NewError(domain.CodeBudgetHierarchyInvalid, "budget hierarchy of %s is deeper than %d", leafID, r.maxDepth).
				WithDetail("budget_id", leafID)
		}
		seen[id] = struct{}{}

		b, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, b)
		id = b.ParentID
	}
	return chain, nil
}

// ChainIDs: только ID цепочки, нужен Gate для взятия блокировок до загрузки.
func (r *Registry) ChainIDs(ctx context.Context, leafID string) ([]string, error) {
	chain, err := r.Chain(ctx, leafID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(chain))
	for i, b := range chain {
		ids[i] = b.BudgetID
	}
	return ids, nil
}

// CheckChain проверяет трату на каждом уровне. Нарушение любого предка отклоняет трату,
// даже если лист ее допускает.
func CheckChain(chain []*domain.Budget, amount domain.Amount, now time.Time) error {
	for level, b := range chain {
		if err := b.CanSpend(amount, now, level); err != nil {
			return err
		}
	}
	return nil
}

// RecordSpend записывает трату в лист и всех предков. Если сохранение уровня не удалось,
// уже записанные уровни компенсируются.
func (r *Registry) RecordSpend(ctx context.Context, chain []*domain.Budget, amount domain.Amount, at time.Time, ref string) error {
	done := make([]*domain.Budget, 0, len(chain))
	for _, b := range chain {
		next := b.Clone()
		if err := next.RecordSpend(amount, at, ref); err != nil {
			r.rollback(ctx, done, ref)
			return err
		}
		next.Version = b.Version + 1
		if err := r.store.Save(ctx, next, b.Version); err != nil {
			r.rollback(ctx, done, ref)
			if errors.Is(err, domain.ErrVersionConflict) {
				return err
			}
			return fmt.Errorf("budget: save %s: %w", b.BudgetID, err)
		}
		*b = *next
		done = append(done, b)
	}
	return nil
}

func (r *Registry) rollback(ctx context.Context, done []*domain.Budget, ref string) {
	for i := len(done) - 1; i >= 0; i-- {
		if err := r.Compensate(ctx, done[i].BudgetID, ref); err != nil {
			r.logger.Error("failed to compensate budget spend",
				zap.String("budget_id", done[i].BudgetID),
				zap.String("ref", ref),
				zap.Error(err))
		}
	}
}

// Compensate отменяет трату ref в одном бюджете. Отсутствие записи: не ошибка.
func (r *Registry) Compensate(ctx context.Context, budgetID, ref string) error {
	b, err := r.Get(ctx, budgetID)
	if err != nil {
		return err
	}
	if _, ok := b.Compensate(ref); !ok {
		return nil
	}
	expected := b.Version
	b.Version++
	if err := r.store.Save(ctx, b, expected); err != nil {
		return fmt.Errorf("budget: compensate %s: %w", budgetID, err)
	}
	return nil
}

// CompensateChain отменяет трату во всей цепочке в обратном порядке.
func (r *Registry) CompensateChain(ctx context.Context, ids []string, ref string) {
	for i := len(ids) - 1; i >= 0; i-- {
		if err := r.Compensate(ctx, ids[i], ref); err != nil {
			r.logger.Error("failed to compensate budget spend",
				zap.String("budget_id", ids[i]),
				zap.String("ref", ref),
				zap.Error(err))
		}
	}
}
