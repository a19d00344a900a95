package identity

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/domain"
)

type Repository interface {
	Create(ctx context.Context, id domain.Identity) error
	List(ctx context.Context) ([]domain.Identity, error)
}

// Registry: кэш идентичностей в памяти. Gate обращается только к RAM (горячий путь),
// репозиторий нужен для регистрации и холодной загрузки при старте.
type Registry struct {
	mu         sync.RWMutex
	identities map[string]domain.Identity

	repo     Repository
	logger   *zap.Logger
	now      func() time.Time
	reserved map[string]struct{}
}

type Option func(*Registry)

// WithReservedIDs запрещает регистрацию служебных счетов под агентские ключи.
func WithReservedIDs(ids ...string) Option {
	return func(r *Registry) {
		for _, id := range ids {
			r.reserved[id] = struct{}{}
		}
	}
}

func NewRegistry(repo Repository, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		identities: make(map[string]domain.Identity),
		repo:       repo,
		logger:     logger.Named("identity"),
		now:        time.Now,
		reserved:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register привязывает ID к публичному ключу. Повтор с тем же ключом идемпотентен,
// с другим: IDENTITY_CONFLICT.
func (r *Registry) Register(ctx context.Context, id string, pub ed25519.PublicKey, categories ...string) (domain.Identity, error) {
	if id == "" {
		return domain.Identity{}, domain.NewError(domain.CodeUnknownIdentity, "identity id is required")
	}
	if _, ok := r.reserved[id]; ok {
		return domain.Identity{}, domain.NewError(domain.CodeReservedAccount, "identity %s is reserved", id).
			WithDetail("identity", id)
	}
	if len(pub) != ed25519.PublicKeySize {
		return domain.Identity{}, domain.NewError(domain.CodeInvalidSignature, "identity %s: public key must be %d bytes", id, ed25519.PublicKeySize)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.identities[id]; ok {
		if !cur.PublicKey.Equal(pub) {
			return domain.Identity{}, domain.NewError(domain.CodeIdentityConflict, "identity %s is bound to another key", id).
				WithDetail("identity", id)
		}
		return cur, nil
	}

	ident := domain.Identity{
		ID:         id,
		PublicKey:  slices.Clone(pub),
		Categories: slices.Clone(categories),
		CreatedAt:  domain.Timestamp(r.now()),
	}
	if err := r.repo.Create(ctx, ident); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return domain.Identity{}, domain.NewError(domain.CodeIdentityConflict, "identity %s already registered", id)
		}
		return domain.Identity{}, fmt.Errorf("identity: register %s: %w", id, err)
	}
	r.identities[id] = ident
	r.logger.Info("identity registered", zap.String("identity", id), zap.Strings("categories", categories))
	return ident, nil
}

func (r *Registry) Lookup(id string) (domain.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ident, ok := r.identities[id]
	return ident, ok
}

// PublicKey: ключ для проверки подписи. Неизвестный ID -> UNKNOWN_IDENTITY.
func (r *Registry) PublicKey(id string) (ed25519.PublicKey, error) {
	ident, ok := r.Lookup(id)
	if !ok {
		return nil, domain.NewError(domain.CodeUnknownIdentity, "identity %s is not registered", id).WithDetail("identity", id)
	}
	return ident.PublicKey, nil
}

// Counterparty: вид получателя для проверки ограничений. Незарегистрированный получатель
// проходит только Specific/AllowList по ID: категорий у него нет.
func (r *Registry) Counterparty(id string) domain.Counterparty {
	ident, _ := r.Lookup(id)
	return domain.Counterparty{ID: id, Categories: ident.Categories}
}

// Refresh выполняет холодную загрузку всех идентичностей из репозитория.
func (r *Registry) Refresh(ctx context.Context) error {
	list, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("identity: refresh: %w", err)
	}
	next := make(map[string]domain.Identity, len(list))
	for _, ident := range list {
		if _, ok := r.reserved[ident.ID]; ok {
			r.logger.Warn("skipping identity registered under a reserved id", zap.String("identity", ident.ID))
			continue
		}
		next[ident.ID] = ident
	}

	r.mu.Lock()
	r.identities = next
	r.mu.Unlock()

	r.logger.Info("identity cache refreshed", zap.Int("count", len(next)))
	return nil
}
