package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/audit"
	"github.com/xela07ax/agentbank-core/internal/domain"
	"github.com/xela07ax/agentbank-core/internal/infra"
	"github.com/xela07ax/agentbank-core/internal/infra/keylock"
	"github.com/xela07ax/agentbank-core/internal/ledger"
	"github.com/xela07ax/agentbank-core/internal/receipt"
)

const (
	// DefaultTimeout: срок эскроу, если дедлайн не задан явно.
	DefaultTimeout = 24 * time.Hour
	// DefaultHoldingAccount: счет, на котором лежат средства всех профинансированных эскроу.
	DefaultHoldingAccount = "escrow-holding"
	// DefaultPendingGrace: возраст отметки Pending, после которого переход доводится повторно.
	DefaultPendingGrace = 30 * time.Second
)

type Store interface {
	Get(ctx context.Context, id string) (*domain.Escrow, error)
	Create(ctx context.Context, e *domain.Escrow) error
	Save(ctx context.Context, e *domain.Escrow, expectedVersion uint64) error
	ListByStatus(ctx context.Context, statuses ...domain.EscrowStatus) ([]*domain.Escrow, error)
	// ListPending: эскроу с отметкой Pending.
	ListPending(ctx context.Context) ([]*domain.Escrow, error)
}

type Service struct {
	store    Store
	ledger   *ledger.Ledger
	receipts receipt.Log
	signer   *receipt.Signer
	locks    *keylock.Locker
	journal  audit.Auditor
	metrics  *infra.Metrics
	logger   *zap.Logger
	now      func() time.Time
	holding  string
	timeout  time.Duration
	rdb      redis.UniversalClient

	// pendingGrace: сколько ждать чужую проводку, прежде чем доводить ее самому.
	pendingGrace time.Duration
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithHoldingAccount(owner string) Option {
	return func(s *Service) {
		if owner != "" {
			s.holding = owner
		}
	}
}

func WithJournal(j audit.Auditor) Option {
	return func(s *Service) { s.journal = j }
}

// WithDefaultTimeout задает срок эскроу без явного дедлайна.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRedis включает распределенную блокировку фоновой зачистки между инстансами.
func WithRedis(rdb redis.UniversalClient) Option {
	return func(s *Service) { s.rdb = rdb }
}

func WithMetrics(m *infra.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithPendingGrace(d time.Duration) Option {
	return func(s *Service) { s.pendingGrace = d }
}

func NewService(store Store, l *ledger.Ledger, receipts receipt.Log, signer *receipt.Signer, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		ledger:   l,
		receipts: receipts,
		signer:   signer,
		locks:    keylock.New(),
		journal:  audit.Nop{},
		logger:   logger.Named("escrow"),
		now:      time.Now,
		holding:  DefaultHoldingAccount,
		timeout:  DefaultTimeout,

		pendingGrace: DefaultPendingGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = infra.NewMetrics(nil)
	}
	return s
}

func (s *Service) HoldingAccount() string { return s.holding }

type CreateParams struct {
	Buyer      string
	Seller     string
	Arbiter    string
	Amount     domain.Amount
	Asset      domain.AssetID
	Conditions []domain.DeliveryCondition
	Deadline   time.Time
}

// Create регистрирует эскроу в статусе CREATED. Средства не двигаются до Fund.
func (s *Service) Create(ctx context.Context, p CreateParams) (*domain.Escrow, error) {
	now := domain.Timestamp(s.now())
	deadline := p.Deadline
	if deadline.IsZero() {
		deadline = now.Add(s.timeout)
	}
	e := &domain.Escrow{
		EscrowID:   domain.NewID(domain.PrefixEscrow),
		Buyer:      p.Buyer,
		Seller:     p.Seller,
		Arbiter:    p.Arbiter,
		Amount:     p.Amount,
		Asset:      p.Asset,
		Conditions: p.Conditions,
		Status:     domain.EscrowCreated,
		CreatedAt:  now,
		Deadline:   domain.Timestamp(deadline),
		Version:    1,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if p.Buyer == s.holding || p.Seller == s.holding {
		return nil, domain.NewError(domain.CodeEscrowInvalid, "escrow parties cannot use the holding account")
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("escrow: create: %w", err)
	}
	s.logger.Info("escrow created",
		zap.String("escrow_id", e.EscrowID),
		zap.String("buyer", e.Buyer),
		zap.String("seller", e.Seller),
		zap.Uint64("amount", uint64(e.Amount)))
	return e.Clone(), nil
}

// Get возвращает эскроу, применяя просроченный дедлайн (ленивая проверка).
func (s *Service) Get(ctx context.Context, id string) (*domain.Escrow, error) {
	var out *domain.Escrow
	err := s.withEscrow(ctx, id, func(e *domain.Escrow, _ bool) error {
		out = e
		return nil
	})
	return out, err
}

func (s *Service) ListByStatus(ctx context.Context, statuses ...domain.EscrowStatus) ([]*domain.Escrow, error) {
	list, err := s.store.ListByStatus(ctx, statuses...)
	if err != nil {
		return nil, fmt.Errorf("escrow: list: %w", err)
	}
	return list, nil
}

// Fund переводит сумму покупателя на холдинговый счет.
func (s *Service) Fund(ctx context.Context, id, actor string) (*domain.Escrow, []domain.Receipt, error) {
	return s.act(ctx, id, func(e *domain.Escrow, now time.Time) ([]domain.Receipt, error) {
		if err := requireActor(e, actor, e.Buyer, "fund"); err != nil {
			return nil, err
		}
		if err := e.CanTransitionTo(domain.EscrowFunded); err != nil {
			return nil, err
		}
		balance, err := s.ledger.Balance(ctx, e.Buyer, e.Asset)
		if err != nil {
			return nil, err
		}
		if balance < e.Amount {
			return nil, domain.NewError(domain.CodeInsufficientBalance, "buyer %s has %d, escrow needs %d", e.Buyer, balance, e.Amount).
				WithDetail("account", e.Buyer).
				WithDetail("requested", uint64(e.Amount)).
				WithDetail("available", uint64(balance))
		}
		r, err := s.transition(ctx, e, domain.EscrowFunded, domain.TriggerBuyerFunded, "", func(next *domain.Escrow) {
			next.FundedAt = &now
		}, ledger.Leg{From: e.Buyer, To: s.holding, Amount: e.Amount, Reason: domain.ReasonEscrowLock})
		if err != nil {
			return nil, err
		}
		return []domain.Receipt{r}, nil
	})
}

// StartDelivery: продавец сообщает о начале поставки и прикладывает доказательство.
func (s *Service) StartDelivery(ctx context.Context, id, actor, proof string) (*domain.Escrow, []domain.Receipt, error) {
	return s.act(ctx, id, func(e *domain.Escrow, now time.Time) ([]domain.Receipt, error) {
		if err := requireActor(e, actor, e.Seller, "start delivery"); err != nil {
			return nil, err
		}
		r, err := s.transition(ctx, e, domain.EscrowDeliveryPending, domain.TriggerDeliveryStarted, "", func(next *domain.Escrow) {
			next.DeliveredAt = &now
			next.DeliveryProof = proof
		})
		if err != nil {
			return nil, err
		}
		return []domain.Receipt{r}, nil
	})
}

// Confirm: покупатель подтверждает поставку. Подтверждение сразу выпускает средства продавцу:
// две квитанции, DELIVERY_PENDING->CONFIRMED и CONFIRMED->RELEASED.
func (s *Service) Confirm(ctx context.Context, id, actor string) (*domain.Escrow, []domain.Receipt, error) {
	return s.act(ctx, id, func(e *domain.Escrow, now time.Time) ([]domain.Receipt, error) {
		if err := requireActor(e, actor, e.Buyer, "confirm"); err != nil {
			return nil, err
		}
		var out []domain.Receipt
		// повторный Confirm дозавершает выпуск, прерванный после CONFIRMED
		if e.Status != domain.EscrowConfirmed {
			confirmed, err := s.transition(ctx, e, domain.EscrowConfirmed, domain.TriggerBuyerConfirmed, "", nil)
			if err != nil {
				return nil, err
			}
			out = append(out, confirmed)
		}
		released, err := s.transition(ctx, e, domain.EscrowReleased, domain.TriggerAutoRelease, "", func(next *domain.Escrow) {
			next.ResolvedAt = &now
		}, ledger.Leg{From: s.holding, To: e.Seller, Amount: e.Amount, Reason: domain.ReasonEscrowRelease})
		if err != nil {
			return out, err
		}
		return append(out, released), nil
	})
}

// Dispute открывает спор. Спорный эскроу не истекает: его закрывает только арбитр.
func (s *Service) Dispute(ctx context.Context, id, actor, reason string) (*domain.Escrow, []domain.Receipt, error) {
	return s.act(ctx, id, func(e *domain.Escrow, _ time.Time) ([]domain.Receipt, error) {
		if actor != e.Buyer && actor != e.Seller {
			return nil, notParticipant(e, actor, "dispute")
		}
		r, err := s.transition(ctx, e, domain.EscrowDisputed, domain.TriggerDisputeOpened, reason, func(next *domain.Escrow) {
			next.DisputeReason = reason
		})
		if err != nil {
			return nil, err
		}
		return []domain.Receipt{r}, nil
	})
}

// Resolve применяет решение арбитра: победитель получает все, либо сумма делится по проценту.
func (s *Service) Resolve(ctx context.Context, id, actor string, ruling domain.Ruling) (*domain.Escrow, []domain.Receipt, error) {
	return s.act(ctx, id, func(e *domain.Escrow, now time.Time) ([]domain.Receipt, error) {
		if err := requireActor(e, actor, e.Arbiter, "resolve"); err != nil {
			return nil, err
		}
		if err := e.CanTransitionTo(domain.EscrowResolved); err != nil {
			return nil, err
		}
		sellerPart, buyerPart, err := ruling.Split(e.Amount)
		if err != nil {
			return nil, err
		}
		var legs []ledger.Leg
		if sellerPart > 0 {
			legs = append(legs, ledger.Leg{From: s.holding, To: e.Seller, Amount: sellerPart, Reason: domain.ReasonEscrowRelease})
		}
		if buyerPart > 0 {
			legs = append(legs, ledger.Leg{From: s.holding, To: e.Buyer, Amount: buyerPart, Reason: domain.ReasonEscrowRefund})
		}
		r, err := s.transition(ctx, e, domain.EscrowResolved, domain.TriggerArbiterRuling, ruling.Reason, func(next *domain.Escrow) {
			rc := ruling
			next.ArbiterRuling = &rc
			next.ResolvedAt = &now
		}, legs...)
		if err != nil {
			return nil, err
		}
		return []domain.Receipt{r}, nil
	})
}

// act выполняет действие под блокировкой эскроу. Если дедлайн прошел, сначала применяется
// возврат покупателю, а запрошенное действие отклоняется с ESCROW_EXPIRED.
func (s *Service) act(ctx context.Context, id string, fn func(e *domain.Escrow, now time.Time) ([]domain.Receipt, error)) (*domain.Escrow, []domain.Receipt, error) {
	var (
		out      *domain.Escrow
		receipts []domain.Receipt
	)
	err := s.withEscrow(ctx, id, func(e *domain.Escrow, expired bool) error {
		out = e
		if expired {
			return domain.NewError(domain.CodeEscrowExpired, "escrow %s passed its deadline %s and was refunded", e.EscrowID, domain.FormatTime(e.Deadline)).
				WithDetail("escrow_id", e.EscrowID)
		}
		var err error
		receipts, err = fn(e, domain.Timestamp(s.now()))
		return err
	})
	return out, receipts, err
}

func (s *Service) withEscrow(ctx context.Context, id string, fn func(e *domain.Escrow, expired bool) error) error {
	unlock, err := s.locks.Lock(ctx, "escrow:"+id)
	if err != nil {
		return err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.NewError(domain.CodeEscrowNotFound, "escrow %s not found", id).WithDetail("escrow_id", id)
		}
		return fmt.Errorf("escrow: load %s: %w", id, err)
	}
	if e.Pending != nil {
		if err := s.recoverPosting(ctx, e); err != nil {
			return err
		}
	}
	expired, err := s.settle(ctx, e)
	if err != nil {
		return err
	}
	return fn(e, expired)
}

// settle доводит просроченный эскроу до возврата. Также завершает возврат,
// прерванный после перехода в EXPIRED.
func (s *Service) settle(ctx context.Context, e *domain.Escrow) (bool, error) {
	switch {
	case e.Pending != nil:
		return false, nil
	case e.IsExpired(s.now()):
		_, err := s.expire(ctx, e)
		return true, err
	case e.Status == domain.EscrowExpired:
		_, err := s.refund(ctx, e)
		return true, err
	}
	return false, nil
}

// expire: FUNDED/DELIVERY_PENDING -> EXPIRED -> REFUNDED, по квитанции на каждый шаг.
func (s *Service) expire(ctx context.Context, e *domain.Escrow) ([]domain.Receipt, error) {
	expired, err := s.transition(ctx, e, domain.EscrowExpired, domain.TriggerDeadlinePassed, "", nil)
	if err != nil {
		return nil, err
	}
	refunded, err := s.refund(ctx, e)
	if err != nil {
		return []domain.Receipt{expired}, err
	}
	return append([]domain.Receipt{expired}, refunded...), nil
}

func (s *Service) refund(ctx context.Context, e *domain.Escrow) ([]domain.Receipt, error) {
	now := domain.Timestamp(s.now())
	r, err := s.transition(ctx, e, domain.EscrowRefunded, domain.TriggerAutoRefund, "", func(next *domain.Escrow) {
		next.ResolvedAt = &now
	}, ledger.Leg{From: s.holding, To: e.Buyer, Amount: e.Amount, Reason: domain.ReasonEscrowRefund})
	if err != nil {
		return nil, err
	}
	s.logger.Info("escrow expired and refunded",
		zap.String("escrow_id", e.EscrowID),
		zap.String("buyer", e.Buyer),
		zap.Uint64("amount", uint64(e.Amount)))
	return []domain.Receipt{r}, nil
}

// transition делает один шаг автомата: проверка перехода, подписанная квитанция, захват
// перехода сохранением статуса с проверкой версии, движение средств. Переход с проводкой
// сохраняется с отметкой Pending: пока она стоит, эскроу не принимает других переходов,
// а прерванную проводку доводит или откатывает recoverPosting. e обновляется на месте.
func (s *Service) transition(ctx context.Context, e *domain.Escrow, to domain.EscrowStatus, trigger, reason string, mutate func(*domain.Escrow), legs ...ledger.Leg) (domain.Receipt, error) {
	if e.Pending != nil {
		return domain.Receipt{}, postingInFlight(e)
	}
	if err := e.CanTransitionTo(to); err != nil {
		return domain.Receipt{}, err
	}
	now := domain.Timestamp(s.now())

	chain := receipt.EscrowChain(e.EscrowID)
	head, err := s.receipts.Head(ctx, chain)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("escrow: receipt head: %w", err)
	}
	parties := []string{e.Buyer, e.Seller}
	if to == domain.EscrowResolved {
		parties = append(parties, e.Arbiter)
	}
	r := domain.Receipt{
		Kind:                domain.ReceiptEscrow,
		ReceiptID:           domain.NewID(domain.PrefixReceipt),
		Operation:           "escrow_transition",
		Amount:              e.Amount,
		Asset:               e.Asset,
		Parties:             parties,
		Timestamp:           now,
		EscrowID:            e.EscrowID,
		FromStatus:          string(e.Status),
		ToStatus:            string(to),
		Trigger:             trigger,
		Reason:              reason,
		PreviousReceiptHash: head,
	}
	if err := s.signer.Sign(&r); err != nil {
		return domain.Receipt{}, err
	}
	h, err := receipt.Hash(&r)
	if err != nil {
		return domain.Receipt{}, err
	}

	next := e.Clone()
	if mutate != nil {
		mutate(next)
	}
	next.Status = to
	next.LastReceiptHash = h
	next.Version = e.Version + 1
	if len(legs) > 0 {
		next.Pending = &domain.PendingPosting{
			CorrelationID: e.EscrowID + "/" + string(to),
			Legs:          escrowLegs(legs),
			Receipt:       r,
			Prior:         e.Clone(),
			Since:         now,
		}
	}
	if err := s.store.Save(ctx, next, e.Version); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return domain.Receipt{}, err
		}
		return domain.Receipt{}, fmt.Errorf("escrow: save %s: %w", e.EscrowID, err)
	}

	if next.Pending != nil {
		err := s.completePosting(ctx, next)
		*e = *next
		if err != nil {
			return domain.Receipt{}, err
		}
	} else {
		*e = *next
	}
	return s.finish(ctx, e, r, now)
}

// completePosting проводит ноги захваченного перехода и снимает отметку Pending.
// Проводка идемпотентна по correlation id: уже примененные ноги не проводятся повторно.
// Отклоненная проводка возвращает эскроу в Prior. Сбой хранилища оставляет отметку:
// переход доведет recoverPosting.
func (s *Service) completePosting(ctx context.Context, e *domain.Escrow) error {
	p := e.Pending
	posted, err := s.ledger.Posted(ctx, s.counterparty(p.Legs[0]), e.Asset, p.CorrelationID)
	if err != nil {
		return err
	}
	if !posted {
		if _, err := s.ledger.Post(ctx, e.Asset, p.CorrelationID, ledgerLegs(p.Legs)...); err != nil {
			if domain.CodeOf(err) == "" || domain.IsRetryable(err) {
				s.logger.Warn("escrow posting interrupted, left pending",
					zap.String("escrow_id", e.EscrowID),
					zap.String("correlation_id", p.CorrelationID),
					zap.Error(err))
				return err
			}
			prior := p.Prior.Clone()
			prior.Version = e.Version + 1
			if rerr := s.store.Save(ctx, prior, e.Version); rerr != nil {
				s.logger.Error("failed to revert escrow status after rejected posting",
					zap.String("escrow_id", e.EscrowID),
					zap.String("status", string(e.Status)),
					zap.Error(rerr))
				return err
			}
			*e = *prior
			return err
		}
	}

	done := e.Clone()
	done.Pending = nil
	done.Version = e.Version + 1
	if err := s.store.Save(ctx, done, e.Version); err != nil {
		// средства уже двинулись: переход состоялся, отметку снимет recoverPosting
		s.logger.Error("escrow posting applied but pending mark was not cleared",
			zap.String("escrow_id", e.EscrowID),
			zap.String("correlation_id", p.CorrelationID),
			zap.Error(err))
		return nil
	}
	*e = *done
	return nil
}

// recoverPosting доводит переход, прерванный между захватом и проводкой. Отметка моложе
// pendingGrace может принадлежать проводке, которая еще идет на другом инстансе.
func (s *Service) recoverPosting(ctx context.Context, e *domain.Escrow) error {
	now := domain.Timestamp(s.now())
	if now.Sub(e.Pending.Since) < s.pendingGrace {
		return nil
	}
	// перезахват продлевает отметку, чтобы другие инстансы не взялись за тот же переход
	claim := e.Clone()
	claim.Pending.Since = now
	claim.Version = e.Version + 1
	if err := s.store.Save(ctx, claim, e.Version); err != nil {
		return err
	}
	*e = *claim

	r := claim.Pending.Receipt
	s.logger.Warn("recovering interrupted escrow posting",
		zap.String("escrow_id", e.EscrowID),
		zap.String("status", string(e.Status)),
		zap.String("correlation_id", claim.Pending.CorrelationID))
	if err := s.completePosting(ctx, e); err != nil {
		if e.Pending != nil {
			return err
		}
		// проводка отклонена и статус откатан: квитанция перехода не выпускается
		s.logger.Warn("interrupted escrow posting was rejected, status reverted",
			zap.String("escrow_id", e.EscrowID),
			zap.String("status", string(e.Status)),
			zap.Error(err))
		return nil
	}

	head, err := s.receipts.Head(ctx, receipt.EscrowChain(e.EscrowID))
	if err != nil {
		return fmt.Errorf("escrow: receipt head: %w", err)
	}
	if head != r.PreviousReceiptHash {
		// квитанция уже в цепочке
		return nil
	}
	_, err = s.finish(ctx, e, r, now)
	return err
}

// finish дописывает квитанцию перехода в цепочку эскроу и журналирует переход.
func (s *Service) finish(ctx context.Context, e *domain.Escrow, r domain.Receipt, now time.Time) (domain.Receipt, error) {
	if err := s.receipts.Append(ctx, receipt.EscrowChain(e.EscrowID), r, r.PreviousReceiptHash); err != nil {
		s.logger.Error("escrow receipt persistence failed",
			zap.String("escrow_id", e.EscrowID),
			zap.String("receipt_id", r.ReceiptID),
			zap.Error(err))
		return r, domain.NewError(domain.CodeReceiptPersistFail, "escrow %s moved to %s but receipt was not persisted", e.EscrowID, r.ToStatus).
			WithDetail("receipt_id", r.ReceiptID).
			Wrap(err)
	}

	s.metrics.EscrowTransitions.WithLabelValues(r.FromStatus, r.ToStatus).Inc()
	s.journal.Log(audit.AuditEvent{
		ID:        domain.NewID(domain.PrefixEvent),
		Category:  audit.CategoryEscrow,
		Subject:   e.EscrowID,
		Amount:    uint64(e.Amount),
		Asset:     string(e.Asset),
		Status:    audit.StatusApplied,
		ReceiptID: r.ReceiptID,
		Details:   map[string]any{"from": r.FromStatus, "to": r.ToStatus, "trigger": r.Trigger},
		Timestamp: now,
	})
	s.logger.Debug("escrow transition",
		zap.String("escrow_id", e.EscrowID),
		zap.String("from", r.FromStatus),
		zap.String("to", r.ToStatus),
		zap.String("trigger", r.Trigger))
	return r, nil
}

// counterparty: участник ноги, не являющийся холдинговым счетом. По его истории
// проверяется, применена ли проводка.
func (s *Service) counterparty(leg domain.EscrowLeg) string {
	if leg.From != "" && leg.From != s.holding {
		return leg.From
	}
	return leg.To
}

func escrowLegs(legs []ledger.Leg) []domain.EscrowLeg {
	out := make([]domain.EscrowLeg, len(legs))
	for i, l := range legs {
		out[i] = domain.EscrowLeg{From: l.From, To: l.To, Amount: l.Amount, Reason: l.Reason}
	}
	return out
}

func ledgerLegs(legs []domain.EscrowLeg) []ledger.Leg {
	out := make([]ledger.Leg, len(legs))
	for i, l := range legs {
		out[i] = ledger.Leg{From: l.From, To: l.To, Amount: l.Amount, Reason: l.Reason}
	}
	return out
}

func postingInFlight(e *domain.Escrow) error {
	return domain.NewError(domain.CodeVersionConflict, "escrow %s has a posting in flight", e.EscrowID).
		WithDetail("escrow_id", e.EscrowID).
		WithDetail("correlation_id", e.Pending.CorrelationID)
}

func requireActor(e *domain.Escrow, actor, want, action string) error {
	if actor != want {
		return notParticipant(e, actor, action)
	}
	return nil
}

func notParticipant(e *domain.Escrow, actor, action string) error {
	return domain.NewError(domain.CodeNotParticipant, "%s cannot %s escrow %s", actor, action, e.EscrowID).
		WithDetail("escrow_id", e.EscrowID).
		WithDetail("actor", actor)
}
