// Package issuer: эмиссия и погашение актива с ограничением резервом.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/audit"
	"github.com/xela07ax/agentbank-core/internal/crypto"
	"github.com/xela07ax/agentbank-core/internal/domain"
	"github.com/xela07ax/agentbank-core/internal/infra"
	"github.com/xela07ax/agentbank-core/internal/ledger"
	"github.com/xela07ax/agentbank-core/internal/receipt"
)

// DefaultStateAttempts: сколько раз переигрывается изменение состояния при конфликте версий.
const DefaultStateAttempts = 8

type Config struct {
	IssuerID   string
	Asset      domain.AssetID
	ReserveCap domain.Amount
	// Лимиты одной операции. Ноль: без ограничения.
	MaxSingleMint domain.Amount
	MaxSingleBurn domain.Amount
}

type ReserveAttestation = domain.ReserveAttestation

// StateStore хранит авторитетное состояние эмитента. Save: CAS по версии.
type StateStore interface {
	Get(ctx context.Context, issuerID string) (*domain.IssuerState, error)
	Create(ctx context.Context, st *domain.IssuerState) error
	Save(ctx context.Context, st *domain.IssuerState, expectedVersion uint64) error
}

// Status — снимок состояния эмитента для API.
type Status struct {
	IssuerID        string              `json:"issuer_id"`
	Asset           domain.AssetID      `json:"asset"`
	Supply          domain.Amount       `json:"supply"`
	ReserveCap      domain.Amount       `json:"reserve_cap"`
	Remaining       domain.Amount       `json:"remaining"`
	Halted          bool                `json:"halted"`
	HaltReason      string              `json:"halt_reason,omitempty"`
	LastAttestation *ReserveAttestation `json:"last_attestation,omitempty"`
}

type Issuer struct {
	cfg      Config
	ledger   *ledger.Ledger
	receipts receipt.Log
	state    StateStore
	signer   *receipt.Signer
	journal  audit.Auditor
	metrics  *infra.Metrics
	logger   *zap.Logger
	now      func() time.Time
	attempts uint
	reserved map[string]struct{}

	// mu снимает конфликты версий внутри процесса. Между экземплярами
	// эмиссию сериализует версия строки состояния.
	mu sync.Mutex
}

type Option func(*Issuer)

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

func WithJournal(j audit.Auditor) Option {
	return func(i *Issuer) { i.journal = j }
}

func WithMetrics(m *infra.Metrics) Option {
	return func(i *Issuer) { i.metrics = m }
}

func WithStateAttempts(n uint) Option {
	return func(i *Issuer) { i.attempts = n }
}

// WithReservedAccounts: служебные счета, на которые нельзя выпускать и с которых нельзя погашать.
func WithReservedAccounts(ids ...string) Option {
	return func(i *Issuer) {
		for _, id := range ids {
			i.reserved[id] = struct{}{}
		}
	}
}

// New создает эмитента. Если состояния в хранилище еще нет, эмиссия
// восстанавливается из леджера, резерв берется из конфигурации.
func New(ctx context.Context, cfg Config, l *ledger.Ledger, receipts receipt.Log, state StateStore, signer *receipt.Signer, logger *zap.Logger, opts ...Option) (*Issuer, error) {
	if cfg.IssuerID == "" || cfg.Asset == "" {
		return nil, fmt.Errorf("issuer: id and asset are required")
	}
	i := &Issuer{
		cfg:      cfg,
		ledger:   l,
		receipts: receipts,
		state:    state,
		signer:   signer,
		journal:  audit.Nop{},
		logger:   logger.Named("issuer").With(zap.String("issuer_id", cfg.IssuerID)),
		now:      time.Now,
		attempts: DefaultStateAttempts,
		reserved: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.metrics == nil {
		i.metrics = infra.NewMetrics(nil)
	}

	st, err := i.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("issuer: load state: %w", err)
	}
	i.observe(st.Supply)
	if st.Supply > st.ReserveCap {
		i.logger.Warn("outstanding supply is above the reserve cap",
			zap.Uint64("supply", uint64(st.Supply)),
			zap.Uint64("reserve_cap", uint64(st.ReserveCap)))
	}
	return i, nil
}

func (i *Issuer) Config() Config { return i.cfg }

// load читает состояние, при первом запуске создает его из леджера.
func (i *Issuer) load(ctx context.Context) (*domain.IssuerState, error) {
	st, err := i.state.Get(ctx, i.cfg.IssuerID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	supply, err := i.ledger.TotalSupply(ctx, i.cfg.Asset)
	if err != nil {
		return nil, fmt.Errorf("recover supply: %w", err)
	}
	st = &domain.IssuerState{
		IssuerID:   i.cfg.IssuerID,
		Asset:      i.cfg.Asset,
		Supply:     supply,
		ReserveCap: i.cfg.ReserveCap,
		Version:    1,
		UpdatedAt:  domain.Timestamp(i.now()),
	}
	if err := i.state.Create(ctx, st); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return i.state.Get(ctx, i.cfg.IssuerID)
		}
		return nil, err
	}
	i.logger.Info("issuer state initialized",
		zap.Uint64("supply", uint64(supply)),
		zap.Uint64("reserve_cap", uint64(st.ReserveCap)))
	return st, nil
}

// update применяет mutate к свежему состоянию и сохраняет его с проверкой версии.
// При конфликте версий изменение переигрывается на новом состоянии.
func (i *Issuer) update(ctx context.Context, mutate func(st *domain.IssuerState) error) (*domain.IssuerState, error) {
	return retry.NewWithData[*domain.IssuerState](
		retry.Context(ctx),
		retry.Attempts(i.attempts),
		retry.Delay(5*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return domain.CodeOf(err) == domain.CodeVersionConflict }),
	).Do(func() (*domain.IssuerState, error) {
		st, err := i.load(ctx)
		if err != nil {
			return nil, err
		}
		expected := st.Version
		if err := mutate(st); err != nil {
			return nil, err
		}
		st.Version = expected + 1
		st.UpdatedAt = domain.Timestamp(i.now())
		if err := i.state.Save(ctx, st, expected); err != nil {
			return nil, err
		}
		return st, nil
	})
}

func (i *Issuer) checkAccount(account string) error {
	if _, ok := i.reserved[account]; ok {
		return domain.NewError(domain.CodeReservedAccount, "account %s is reserved", account).
			WithDetail("account", account)
	}
	return nil
}

// Mint зачисляет новую сумму на счет. supply + amount <= reserve_cap.
// Эмиссия сначала резервируется в состоянии, затем зачисляется; при отказе
// зачисления резерв возвращается.
func (i *Issuer) Mint(ctx context.Context, to string, amount domain.Amount, reason string) (domain.Receipt, error) {
	if err := i.checkAccount(to); err != nil {
		return domain.Receipt{}, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	st, err := i.update(ctx, func(st *domain.IssuerState) error {
		if err := i.checkOperation(st, "mint", amount, i.cfg.MaxSingleMint); err != nil {
			return err
		}
		next, err := st.Supply.Add(amount)
		if err != nil || next > st.ReserveCap {
			return domain.NewError(domain.CodeReserveExceeded, "mint of %d exceeds reserve: %d available", amount, st.Remaining()).
				WithDetail("requested", uint64(amount)).
				WithDetail("available", uint64(st.Remaining())).
				WithDetail("reserve_cap", uint64(st.ReserveCap))
		}
		st.Supply = next
		return nil
	})
	if err != nil {
		return domain.Receipt{}, err
	}
	i.observe(st.Supply)

	posted := false
	r, err := i.apply(ctx, "mint", to, amount, reason, func(receiptID string) error {
		_, err := i.ledger.Credit(ctx, to, i.cfg.Asset, amount, domain.ReasonMint, receiptID)
		posted = err == nil
		return err
	})
	if !posted {
		i.release(ctx, amount)
	}
	return r, err
}

// release возвращает резерв неудавшейся эмиссии.
func (i *Issuer) release(ctx context.Context, amount domain.Amount) {
	st, err := i.update(ctx, func(st *domain.IssuerState) error {
		next, err := st.Supply.Sub(amount)
		if err != nil {
			return err
		}
		st.Supply = next
		return nil
	})
	if err != nil {
		i.logger.Error("failed to release reserved supply, supply overstated until reconciled",
			zap.Uint64("amount", uint64(amount)),
			zap.Error(err))
		return
	}
	i.observe(st.Supply)
}

// Burn списывает сумму со счета и уменьшает эмиссию. Списание идет первым:
// пока уменьшение не сохранено, эмиссия завышена, и резерв не расходуется лишний раз.
func (i *Issuer) Burn(ctx context.Context, from string, amount domain.Amount, reason string) (domain.Receipt, error) {
	if err := i.checkAccount(from); err != nil {
		return domain.Receipt{}, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	cur, err := i.load(ctx)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("issuer: load state: %w", err)
	}
	if err := i.checkOperation(cur, "burn", amount, i.cfg.MaxSingleBurn); err != nil {
		return domain.Receipt{}, err
	}
	if cur.Supply < amount {
		return domain.Receipt{}, domain.NewError(domain.CodeInsufficientSupply, "burn of %d exceeds outstanding supply %d", amount, cur.Supply).
			WithDetail("requested", uint64(amount)).
			WithDetail("supply", uint64(cur.Supply))
	}

	posted := false
	r, err := i.apply(ctx, "burn", from, amount, reason, func(receiptID string) error {
		_, err := i.ledger.Debit(ctx, from, i.cfg.Asset, amount, domain.ReasonBurn, receiptID)
		posted = err == nil
		return err
	})
	if !posted {
		return r, err
	}
	if st, uerr := i.update(ctx, func(st *domain.IssuerState) error {
		next, err := st.Supply.Sub(amount)
		if err != nil {
			return err
		}
		st.Supply = next
		return nil
	}); uerr != nil {
		i.logger.Error("burn posted but supply was not decremented",
			zap.Uint64("amount", uint64(amount)),
			zap.String("receipt_id", r.ReceiptID),
			zap.Error(uerr))
	} else {
		i.observe(st.Supply)
	}
	return r, err
}

func (i *Issuer) checkOperation(st *domain.IssuerState, op string, amount, limit domain.Amount) error {
	if st.Halted {
		return domain.NewError(domain.CodeIssuerHalted, "issuer %s is halted: %s", i.cfg.IssuerID, st.HaltReason).
			WithDetail("reason", st.HaltReason)
	}
	if amount == 0 {
		return domain.NewError(domain.CodeInvalidAmount, "%s amount must be positive", op)
	}
	if limit > 0 && amount > limit {
		return domain.NewError(domain.CodeIssuancePolicy, "%s of %d exceeds single operation limit %d", op, amount, limit).
			WithDetail("limit", uint64(limit))
	}
	return nil
}

// apply проводит операцию и только после нее сцепляет квитанцию с цепочкой
// эмитента. Голова читается непосредственно перед записью; если другой
// экземпляр успел сдвинуть ее, квитанция переподписывается на новую голову.
func (i *Issuer) apply(ctx context.Context, op, account string, amount domain.Amount, reason string, post func(receiptID string) error) (domain.Receipt, error) {
	r := domain.Receipt{
		Kind:      domain.ReceiptIssuer,
		ReceiptID: domain.NewID(domain.PrefixReceipt),
		Operation: op,
		Amount:    amount,
		Asset:     i.cfg.Asset,
		Parties:   []string{i.cfg.IssuerID, account},
		Timestamp: domain.Timestamp(i.now()),
		Reason:    reason,
	}

	if err := post(r.ReceiptID); err != nil {
		i.event(op, account, amount, audit.StatusDenied, "", err)
		return domain.Receipt{}, err
	}

	chain := receipt.IssuerChain(i.cfg.IssuerID)
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(i.attempts),
		retry.Delay(5*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return domain.CodeOf(err) == domain.CodeReceiptHeadConflict }),
	).Do(func() error {
		head, err := i.receipts.Head(ctx, chain)
		if err != nil {
			return err
		}
		r.PreviousReceiptHash = head
		if err := i.signer.Sign(&r); err != nil {
			return err
		}
		return i.receipts.Append(ctx, chain, r, head)
	})
	if err != nil {
		i.logger.Error("issuer receipt persistence failed",
			zap.String("op", op),
			zap.String("receipt_id", r.ReceiptID),
			zap.Error(err))
		i.event(op, account, amount, audit.StatusFailed, r.ReceiptID, err)
		return r, domain.NewError(domain.CodeReceiptPersistFail, "%s applied but receipt %s was not persisted", op, r.ReceiptID).Wrap(err)
	}

	i.event(op, account, amount, audit.StatusApplied, r.ReceiptID, nil)
	i.logger.Info("issuer operation applied",
		zap.String("op", op),
		zap.String("account", account),
		zap.Uint64("amount", uint64(amount)),
		zap.String("receipt_id", r.ReceiptID))
	return r, nil
}

func (i *Issuer) event(op, account string, amount domain.Amount, status, receiptID string, err error) {
	ev := audit.AuditEvent{
		ID:        domain.NewID(domain.PrefixEvent),
		Category:  audit.CategoryIssuer,
		ActorID:   i.cfg.IssuerID,
		Subject:   account,
		Amount:    uint64(amount),
		Asset:     string(i.cfg.Asset),
		Status:    status,
		ReceiptID: receiptID,
		Details:   map[string]any{"operation": op},
		Timestamp: domain.Timestamp(i.now()),
	}
	if err != nil {
		ev.Code = string(domain.CodeOf(err))
		ev.Error = err.Error()
	}
	i.journal.Log(ev)
}

func (i *Issuer) observe(supply domain.Amount) {
	i.metrics.IssuerSupply.WithLabelValues(string(i.cfg.Asset)).Set(float64(supply))
}

// Halt останавливает эмиссию и погашение до Resume на всех экземплярах.
func (i *Issuer) Halt(ctx context.Context, reason string) error {
	if _, err := i.update(ctx, func(st *domain.IssuerState) error {
		st.Halted = true
		st.HaltReason = reason
		return nil
	}); err != nil {
		return fmt.Errorf("issuer: halt: %w", err)
	}
	i.logger.Warn("issuer halted", zap.String("reason", reason))
	i.journal.Log(audit.AuditEvent{
		ID:        domain.NewID(domain.PrefixEvent),
		Category:  audit.CategoryControl,
		ActorID:   i.cfg.IssuerID,
		Subject:   "halt",
		Status:    audit.StatusApplied,
		Details:   map[string]any{"reason": reason},
		Timestamp: domain.Timestamp(i.now()),
	})
	return nil
}

func (i *Issuer) Resume(ctx context.Context) error {
	if _, err := i.update(ctx, func(st *domain.IssuerState) error {
		st.Halted = false
		st.HaltReason = ""
		return nil
	}); err != nil {
		return fmt.Errorf("issuer: resume: %w", err)
	}
	i.logger.Info("issuer resumed")
	return nil
}

func (i *Issuer) Supply(ctx context.Context) (domain.Amount, error) {
	st, err := i.load(ctx)
	if err != nil {
		return 0, fmt.Errorf("issuer: supply: %w", err)
	}
	return st.Supply, nil
}

// Attest фиксирует новое обеспечение. Резерв нельзя опустить ниже текущей эмиссии.
func (i *Issuer) Attest(ctx context.Context, amount domain.Amount, attestor string) (ReserveAttestation, error) {
	a := ReserveAttestation{
		ReserveAmount: amount,
		Attestor:      attestor,
		AttestedAt:    domain.Timestamp(i.now()),
	}
	h, err := crypto.HashObject(map[string]any{
		"issuer_id":      i.cfg.IssuerID,
		"asset":          string(i.cfg.Asset),
		"reserve_amount": uint64(a.ReserveAmount),
		"attestor":       a.Attestor,
		"attested_at":    domain.FormatTime(a.AttestedAt),
	})
	if err != nil {
		return ReserveAttestation{}, err
	}
	a.Hash = h

	if _, err := i.update(ctx, func(st *domain.IssuerState) error {
		if amount < st.Supply {
			return domain.NewError(domain.CodeReserveExceeded, "attested reserve %d is below outstanding supply %d", amount, st.Supply).
				WithDetail("supply", uint64(st.Supply)).
				WithDetail("reserve", uint64(amount))
		}
		st.ReserveCap = amount
		st.Attestation = &a
		return nil
	}); err != nil {
		return ReserveAttestation{}, err
	}

	i.logger.Info("reserve attested",
		zap.Uint64("reserve_cap", uint64(amount)),
		zap.String("attestor", attestor))
	return a, nil
}

func (i *Issuer) Status(ctx context.Context) (Status, error) {
	st, err := i.load(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("issuer: status: %w", err)
	}
	out := Status{
		IssuerID:   i.cfg.IssuerID,
		Asset:      i.cfg.Asset,
		Supply:     st.Supply,
		ReserveCap: st.ReserveCap,
		Remaining:  st.Remaining(),
		Halted:     st.Halted,
		HaltReason: st.HaltReason,
	}
	if st.Attestation != nil {
		a := *st.Attestation
		out.LastAttestation = &a
	}
	return out, nil
}

// Receipts возвращает цепочку квитанций эмитента.
func (i *Issuer) Receipts(ctx context.Context) ([]domain.Receipt, error) {
	return i.receipts.List(ctx, receipt.IssuerChain(i.cfg.IssuerID))
}
