package permit

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/crypto"
	"github.com/xela07ax/agentbank-core/internal/domain"
)

type Store interface {
	Get(ctx context.Context, id string) (*domain.Permit, error)
	Create(ctx context.Context, p *domain.Permit) error
	Save(ctx context.Context, p *domain.Permit, expectedVersion uint64) error
}

// KeyResolver отдает публичный ключ идентичности (identity.Registry).
type KeyResolver interface {
	PublicKey(id string) (ed25519.PublicKey, error)
}

// RevocationList — список отозванных разрешений (engine.StateSet над Redis).
type RevocationList interface {
	Contains(id string) bool
}

type noRevocations struct{}

func (noRevocations) Contains(string) bool { return false }

// Sign подписывает разрешение ключом выпускающего агента.
func Sign(p *domain.Permit, kp *crypto.KeyPair) error {
	sig, err := crypto.SignObject(kp, p.SigningView())
	if err != nil {
		return fmt.Errorf("permit: sign %s: %w", p.PermitID, err)
	}
	p.Signature = sig
	return nil
}

func VerifySignature(p *domain.Permit, pub ed25519.PublicKey) bool {
	return crypto.VerifyObject(pub, p.SigningView(), p.Signature)
}

// Hash: хэш подписанного содержимого, попадает в Evidence.
func Hash(p *domain.Permit) (string, error) {
	view := p.SigningView()
	view["signature"] = p.Signature
	return crypto.HashObject(view)
}

type Service struct {
	store   Store
	keys    KeyResolver
	revoked RevocationList
	logger  *zap.Logger
	now     func() time.Time
}

type Option func(*Service)

func WithRevocations(list RevocationList) Option {
	return func(s *Service) { s.revoked = list }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, keys KeyResolver, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:   store,
		keys:    keys,
		revoked: noRevocations{},
		logger:  logger.Named("permit"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register принимает подписанное разрешение. Remaining нового разрешения равен MaxAmount.
func (s *Service) Register(ctx context.Context, p *domain.Permit) (*domain.Permit, error) {
	p = p.Clone()
	p.Remaining = p.MaxAmount
	p.Version = 1
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := s.verify(p); err != nil {
		return nil, err
	}
	if !s.now().Before(p.ExpiresAt) {
		return nil, domain.NewError(domain.CodePermitExpired, "permit %s expired at %s", p.PermitID, domain.FormatTime(p.ExpiresAt)).
			WithDetail("permit_id", p.PermitID)
	}

	if err := s.store.Create(ctx, p); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil, domain.NewError(domain.CodePermitInvalid, "permit %s already registered", p.PermitID)
		}
		return nil, fmt.Errorf("permit: create %s: %w", p.PermitID, err)
	}
	s.logger.Info("permit registered",
		zap.String("permit_id", p.PermitID),
		zap.String("issuer", p.Issuer),
		zap.String("budget_id", p.BoundBudget),
		zap.Uint64("max_amount", uint64(p.MaxAmount)))
	return p.Clone(), nil
}

// Get загружает авторитетную запись. Отсутствие -> PERMIT_NOT_FOUND.
func (s *Service) Get(ctx context.Context, id string) (*domain.Permit, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewError(domain.CodePermitNotFound, "permit %s not found", id).WithDetail("permit_id", id)
		}
		return nil, fmt.Errorf("permit: load %s: %w", id, err)
	}
	return p, nil
}

func (s *Service) verify(p *domain.Permit) error {
	pub, err := s.keys.PublicKey(p.Issuer)
	if err != nil {
		return err
	}
	if !VerifySignature(p, pub) {
		return domain.NewError(domain.CodeInvalidSignature, "permit %s signature does not match issuer %s", p.PermitID, p.Issuer).
			WithDetail("permit_id", p.PermitID)
	}
	return nil
}

// Check проверяет разрешение в фиксированном порядке: подпись, отзыв, окно действия,
// остаток, контрагент, цель. Первый провал возвращается с контекстом.
func (s *Service) Check(p *domain.Permit, now time.Time, cp domain.Counterparty, amount domain.Amount, purpose string) error {
	// 1. Подпись
	if err := s.verify(p); err != nil {
		return err
	}

	// 2. Отзыв
	if s.revoked.Contains(p.PermitID) {
		return domain.NewError(domain.CodePermitRevoked, "permit %s is revoked", p.PermitID).WithDetail("permit_id", p.PermitID)
	}

	// 3. Окно действия [valid_from, expires_at)
	if now.Before(p.ValidFrom) {
		return domain.NewError(domain.CodePermitNotYetValid, "permit %s is valid from %s", p.PermitID, domain.FormatTime(p.ValidFrom)).
			WithDetail("permit_id", p.PermitID).
			WithDetail("valid_from", domain.FormatTime(p.ValidFrom))
	}
	if !now.Before(p.ExpiresAt) {
		return domain.NewError(domain.CodePermitExpired, "permit %s expired at %s", p.PermitID, domain.FormatTime(p.ExpiresAt)).
			WithDetail("permit_id", p.PermitID).
			WithDetail("expires_at", domain.FormatTime(p.ExpiresAt))
	}

	// 4. Остаток
	if p.Remaining == 0 {
		return domain.NewError(domain.CodePermitExhausted, "permit %s is fully spent", p.PermitID).WithDetail("permit_id", p.PermitID)
	}
	if amount > p.Remaining {
		return domain.NewError(domain.CodePermitInsufficientRemaining, "permit %s has %d remaining, requested %d", p.PermitID, p.Remaining, amount).
			WithDetail("permit_id", p.PermitID).
			WithDetail("requested", uint64(amount)).
			WithDetail("available", uint64(p.Remaining))
	}

	// 5. Контрагент
	if !p.Counterparty.Allows(cp) {
		return domain.NewError(domain.CodeCounterpartyMismatch, "permit %s does not allow counterparty %s", p.PermitID, cp.ID).
			WithDetail("permit_id", p.PermitID).
			WithDetail("counterparty", cp.ID).
			WithDetail("constraint", string(p.Counterparty.Type))
	}

	// 6. Цель
	if !p.AllowsPurpose(purpose) {
		return domain.NewError(domain.CodePurposeMismatch, "permit %s does not allow purpose %q", p.PermitID, purpose).
			WithDetail("permit_id", p.PermitID).
			WithDetail("purpose", purpose)
	}
	return nil
}

// Consume уменьшает остаток. p должен быть только что прочитан: запись проверяет версию.
func (s *Service) Consume(ctx context.Context, p *domain.Permit, amount domain.Amount) error {
	next, err := p.Remaining.Sub(amount)
	if err != nil {
		return domain.NewError(domain.CodePermitInsufficientRemaining, "permit %s has %d remaining, requested %d", p.PermitID, p.Remaining, amount).
			WithDetail("permit_id", p.PermitID).
			WithDetail("requested", uint64(amount)).
			WithDetail("available", uint64(p.Remaining))
	}
	expected := p.Version
	updated := p.Clone()
	updated.Remaining = next
	updated.Version = expected + 1
	if err := s.store.Save(ctx, updated, expected); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("permit: consume %s: %w", p.PermitID, err)
	}
	*p = *updated
	return nil
}

// Restore возвращает остаток при компенсации неудавшегося коммитмента. Не поднимает выше MaxAmount.
func (s *Service) Restore(ctx context.Context, permitID string, amount domain.Amount) error {
	p, err := s.Get(ctx, permitID)
	if err != nil {
		return err
	}
	next, err := p.Remaining.Add(amount)
	if err != nil || next > p.MaxAmount {
		next = p.MaxAmount
	}
	expected := p.Version
	p.Remaining = next
	p.Version++
	if err := s.store.Save(ctx, p, expected); err != nil {
		return fmt.Errorf("permit: restore %s: %w", permitID, err)
	}
	return nil
}
