package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/audit"
	"github.com/xela07ax/agentbank-core/internal/budget"
	"github.com/xela07ax/agentbank-core/internal/crypto"
	"github.com/xela07ax/agentbank-core/internal/domain"
	"github.com/xela07ax/agentbank-core/internal/identity"
	"github.com/xela07ax/agentbank-core/internal/infra"
	"github.com/xela07ax/agentbank-core/internal/infra/keylock"
	"github.com/xela07ax/agentbank-core/internal/ledger"
	"github.com/xela07ax/agentbank-core/internal/permit"
	"github.com/xela07ax/agentbank-core/internal/receipt"
)

// DefaultLockTimeout: сколько Gate ждет блокировки агента, разрешения и бюджетов.
const DefaultLockTimeout = 2 * time.Second

// CommitmentStore — зафиксированные коммитменты, ключ идемпотентности (sender, intent_id).
type CommitmentStore interface {
	Get(ctx context.Context, sender, intentID string) (*domain.Commitment, error)
	Create(ctx context.Context, c domain.Commitment) error
	Delete(ctx context.Context, sender, intentID string) error
	// Latest: последний созданный коммитмент отправителя, domain.ErrNotFound если их нет.
	Latest(ctx context.Context, sender string) (*domain.Commitment, error)
}

// AgentStatus — kill-switch. Реализуется StateSet.
type AgentStatus interface {
	Contains(agentID string) bool
}

type GateDeps struct {
	Permits     *permit.Service
	Budgets     *budget.Registry
	Ledger      *ledger.Ledger
	Identities  *identity.Registry
	Commitments CommitmentStore
	Receipts    receipt.Log
	Signer      *receipt.Signer
}

// CommitmentGate — единственная точка, превращающая намерение в движение средств и подписанную квитанцию.
type CommitmentGate struct {
	GateDeps

	frozen      AgentStatus
	locks       *keylock.Locker
	journal     audit.Auditor
	metrics     *infra.Metrics
	logger      *zap.Logger
	now         func() time.Time
	lockTimeout time.Duration
	reserved    map[string]struct{}
}

type GateOption func(*CommitmentGate)

func WithFrozenAgents(s AgentStatus) GateOption {
	return func(g *CommitmentGate) { g.frozen = s }
}

func WithJournal(j audit.Auditor) GateOption {
	return func(g *CommitmentGate) { g.journal = j }
}

func WithGateMetrics(m *infra.Metrics) GateOption {
	return func(g *CommitmentGate) { g.metrics = m }
}

func WithGateClock(now func() time.Time) GateOption {
	return func(g *CommitmentGate) { g.now = now }
}

func WithLockTimeout(d time.Duration) GateOption {
	return func(g *CommitmentGate) {
		if d > 0 {
			g.lockTimeout = d
		}
	}
}

func WithGateLocker(l *keylock.Locker) GateOption {
	return func(g *CommitmentGate) { g.locks = l }
}

type nobodyFrozen struct{}

// WithReservedAccounts: служебные счета (холдинг эскроу), которые не могут
// быть ни отправителем, ни получателем намерения.
func WithReservedAccounts(ids ...string) GateOption {
	return func(g *CommitmentGate) {
		for _, id := range ids {
			g.reserved[id] = struct{}{}
		}
	}
}

func (nobodyFrozen) Contains(string) bool { return false }

func NewCommitmentGate(deps GateDeps, logger *zap.Logger, opts ...GateOption) *CommitmentGate {
	g := &CommitmentGate{
		GateDeps:    deps,
		frozen:      nobodyFrozen{},
		locks:       keylock.New(),
		journal:     audit.Nop{},
		logger:      logger.Named("gate"),
		now:         time.Now,
		lockTimeout: DefaultLockTimeout,
		reserved:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = infra.NewMetrics(nil)
	}
	return g
}

// CreateCommitment проверяет намерение против разрешения и цепочки бюджетов и только при
// успехе списывает остаток разрешения, записывает трату, двигает средства и подписывает квитанцию.
// Повтор с тем же intent_id возвращает исходный результат без повторного списания.
func (g *CommitmentGate) CreateCommitment(ctx context.Context, intent domain.PaymentIntent, permitID, budgetID string, ref *domain.ConsequenceRef) (*domain.Receipt, *domain.Evidence, error) {
	start := time.Now()
	event := audit.AuditEvent{
		ID:       domain.NewID(domain.PrefixEvent),
		TraceID:  TraceIDFrom(ctx),
		Category: audit.CategoryCommitment,
		ActorID:  intent.Sender,
		Subject:  intent.IntentID,
		Amount:   uint64(intent.Amount),
		Asset:    string(intent.Asset),
		Details:  map[string]any{"permit_id": permitID, "budget_id": budgetID, "recipient": intent.Recipient},
	}

	rcpt, ev, status, err := g.commit(ctx, intent, permitID, budgetID, ref)

	event.Status = status
	event.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		code := string(domain.CodeOf(err))
		if code == "" {
			code = "INTERNAL"
		}
		event.Code = code
		event.Error = err.Error()
		g.metrics.GateDenials.WithLabelValues(code).Inc()
		g.logger.Info("commitment denied",
			zap.String("intent_id", intent.IntentID),
			zap.String("agent_id", intent.Sender),
			zap.String("code", code),
			zap.Uint64("amount", uint64(intent.Amount)),
			zap.Error(err))
	} else {
		event.ReceiptID = rcpt.ReceiptID
		g.logger.Debug("commitment accepted",
			zap.String("intent_id", intent.IntentID),
			zap.String("agent_id", intent.Sender),
			zap.String("receipt_id", rcpt.ReceiptID),
			zap.String("status", status))
	}
	g.metrics.CommitmentsTotal.WithLabelValues(status).Inc()
	g.metrics.CommitmentDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	g.journal.Log(event)

	return rcpt, ev, err
}

func (g *CommitmentGate) commit(ctx context.Context, intent domain.PaymentIntent, permitID, budgetID string, ref *domain.ConsequenceRef) (*domain.Receipt, *domain.Evidence, string, error) {
	// 1. Структура намерения
	if err := intent.Validate(); err != nil {
		return nil, nil, audit.StatusDenied, err
	}
	if permitID != intent.PermitID {
		return nil, nil, audit.StatusDenied, domain.NewError(domain.CodeIntentPermitMismatch, "intent %s references permit %s, presented %s", intent.IntentID, intent.PermitID, permitID).
			WithDetail("intent_permit_id", intent.PermitID).
			WithDetail("permit_id", permitID)
	}
	for _, party := range []string{intent.Sender, intent.Recipient} {
		if _, ok := g.reserved[party]; ok {
			return nil, nil, audit.StatusDenied, domain.NewError(domain.CodeReservedAccount, "account %s is reserved", party).
				WithDetail("account", party)
		}
	}

	// 2. Kill-switch (самая дешевая проверка, только RAM)
	if g.frozen.Contains(intent.Sender) {
		return nil, nil, audit.StatusDenied, domain.NewError(domain.CodeAgentFrozen, "agent %s is frozen", intent.Sender).
			WithDetail("agent_id", intent.Sender)
	}

	// 3. Блокировки: агент, разрешение и вся цепочка бюджетов, в отсортированном порядке
	chainIDs, err := g.Budgets.ChainIDs(ctx, budgetID)
	if err != nil {
		return nil, nil, audit.StatusDenied, err
	}
	keys := []string{"agent:" + intent.Sender, "permit:" + permitID}
	for _, id := range chainIDs {
		keys = append(keys, "budget:"+id)
	}
	lockCtx, cancel := context.WithTimeout(ctx, g.lockTimeout)
	unlock, err := g.locks.Lock(lockCtx, keys...)
	cancel()
	if err != nil {
		return nil, nil, audit.StatusFailed, err
	}
	defer unlock()

	// 4. Идемпотентность
	if prev, err := g.Commitments.Get(ctx, intent.Sender, intent.IntentID); err == nil {
		if prev.PermitID != permitID || prev.BudgetID != budgetID || prev.Receipt.Amount != intent.Amount || !slices.Contains(prev.Receipt.Parties, intent.Recipient) {
			return nil, nil, audit.StatusDenied, domain.NewError(domain.CodeIntentInvalid, "intent %s was already committed with different terms", intent.IntentID).
				WithDetail("intent_id", intent.IntentID)
		}
		r, ev := prev.Receipt, prev.Evidence
		return &r, &ev, audit.StatusReplayed, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, nil, audit.StatusFailed, fmt.Errorf("gate: load commitment %s: %w", intent.IntentID, err)
	}

	// 5. Авторитетная запись разрешения
	p, err := g.Permits.Get(ctx, permitID)
	if err != nil {
		return nil, nil, audit.StatusDenied, err
	}

	now := domain.Timestamp(g.now())
	ev := &domain.Evidence{GatheredAt: now}

	// 6. Привязка намерения к разрешению и бюджету
	if p.Issuer != intent.Sender {
		return nil, nil, audit.StatusDenied, domain.NewError(domain.CodeIntentPermitMismatch, "permit %s was issued by %s, not %s", p.PermitID, p.Issuer, intent.Sender).
			WithDetail("permit_id", p.PermitID).
			WithDetail("issuer", p.Issuer).
			WithDetail("sender", intent.Sender)
	}
	if p.BoundBudget != budgetID {
		return nil, nil, audit.StatusDenied, domain.NewError(domain.CodePermitBudgetMismatch, "permit %s is bound to budget %s, not %s", p.PermitID, p.BoundBudget, budgetID).
			WithDetail("permit_id", p.PermitID).
			WithDetail("bound_budget", p.BoundBudget)
	}
	if p.AssetClass != intent.Asset {
		return nil, nil, audit.StatusDenied, domain.NewError(domain.CodeAssetMismatch, "permit %s is for %s, intent is %s", p.PermitID, p.AssetClass, intent.Asset).
			WithDetail("permit_asset", string(p.AssetClass)).
			WithDetail("intent_asset", string(intent.Asset))
	}
	ev.Add("binding", intent.Sender+"/"+permitID+"/"+budgetID, "")

	// 7. Разрешение: подпись, отзыв, окно, остаток, контрагент, цель
	cp := g.Identities.Counterparty(intent.Recipient)
	if err := g.Permits.Check(p, now, cp, intent.Amount, intent.Purpose); err != nil {
		return nil, nil, audit.StatusDenied, err
	}
	ev.Add("permit_signature", p.Issuer, "")
	ev.Add("permit_window", domain.FormatTime(now), domain.FormatTime(p.ExpiresAt))
	ev.Add("permit_remaining", intent.Amount.String(), p.Remaining.String())
	ev.Add("counterparty", intent.Recipient, string(p.Counterparty.Type))
	ev.Add("purpose", intent.Purpose, "")

	// 8. Бюджеты: лист и все предки
	chain, err := g.Budgets.Chain(ctx, budgetID)
	if err != nil {
		return nil, nil, audit.StatusDenied, err
	}
	if !sameChain(chain, chainIDs) {
		return nil, nil, audit.StatusFailed, domain.NewError(domain.CodeVersionConflict, "budget hierarchy of %s changed during commitment", budgetID)
	}
	if chain[0].Owner != intent.Sender {
		return nil, nil, audit.StatusDenied, domain.NewError(domain.CodePermitBudgetMismatch, "budget %s belongs to %s, not %s", budgetID, chain[0].Owner, intent.Sender).
			WithDetail("budget_id", budgetID)
	}
	if chain[0].Asset != intent.Asset {
		return nil, nil, audit.StatusDenied, domain.NewError(domain.CodeAssetMismatch, "budget %s is for %s, intent is %s", budgetID, chain[0].Asset, intent.Asset).
			WithDetail("budget_asset", string(chain[0].Asset)).
			WithDetail("intent_asset", string(intent.Asset))
	}
	if err := budget.CheckChain(chain, intent.Amount, now); err != nil {
		return nil, nil, audit.StatusDenied, err
	}
	for level, b := range chain {
		ev.Add("budget_level_"+strconv.Itoa(level), intent.Amount.String(), b.Remaining().String())
		for _, w := range b.Velocity {
			ev.Add("velocity_"+w.Name+"_level_"+strconv.Itoa(level), b.WindowSpent(w.Duration, now).String(), w.Limit.String())
		}
	}

	// 9. Баланс отправителя
	balance, err := g.Ledger.Balance(ctx, intent.Sender, intent.Asset)
	if err != nil {
		return nil, nil, audit.StatusFailed, err
	}
	if balance < intent.Amount {
		return nil, nil, audit.StatusDenied, domain.NewError(domain.CodeInsufficientBalance, "account %s/%s has %d, needs %d", intent.Sender, intent.Asset, balance, intent.Amount).
			WithDetail("account", intent.Sender).
			WithDetail("requested", uint64(intent.Amount)).
			WithDetail("available", uint64(balance))
	}
	ev.Add("balance", intent.Amount.String(), balance.String())

	// 10. Хэши доказательств
	if ev.IntentHash, err = crypto.HashObject(intent.HashView()); err != nil {
		return nil, nil, audit.StatusFailed, err
	}
	if ev.PermitHash, err = permit.Hash(p); err != nil {
		return nil, nil, audit.StatusFailed, err
	}
	if ev.BudgetSnapshotHash, err = crypto.HashObject(chain); err != nil {
		return nil, nil, audit.StatusFailed, err
	}
	evidenceHash, err := crypto.HashObject(ev)
	if err != nil {
		return nil, nil, audit.StatusFailed, err
	}

	// 11. Мутации: разрешение -> бюджеты -> коммитмент -> ledger (последним)
	if err := g.Permits.Consume(ctx, p, intent.Amount); err != nil {
		return nil, nil, audit.StatusFailed, err
	}
	if err := g.Budgets.RecordSpend(ctx, chain, intent.Amount, now, intent.IntentID); err != nil {
		g.restorePermit(ctx, permitID, intent)
		return nil, nil, audit.StatusFailed, err
	}
	compensate := func() {
		g.Budgets.CompensateChain(ctx, chainIDs, intent.IntentID)
		g.restorePermit(ctx, permitID, intent)
	}

	chainKey := receipt.CommitmentChain(intent.Sender)
	head, err := g.chainHead(ctx, intent.Sender, chainKey)
	if err != nil {
		compensate()
		return nil, nil, audit.StatusFailed, fmt.Errorf("gate: receipt head: %w", err)
	}
	r := domain.Receipt{
		Kind:                domain.ReceiptCommitment,
		ReceiptID:           domain.NewID(domain.PrefixReceipt),
		Operation:           "transfer",
		Amount:              intent.Amount,
		Asset:               intent.Asset,
		Parties:             []string{intent.Sender, intent.Recipient},
		Timestamp:           now,
		PermitID:            permitID,
		BudgetID:            budgetID,
		IntentID:            intent.IntentID,
		ConsequenceRef:      ref,
		EvidenceHash:        evidenceHash,
		PreviousReceiptHash: head,
	}
	if err := g.Signer.Sign(&r); err != nil {
		compensate()
		return nil, nil, audit.StatusFailed, err
	}

	commitment := domain.Commitment{
		IntentID:  intent.IntentID,
		Sender:    intent.Sender,
		PermitID:  permitID,
		BudgetID:  budgetID,
		Receipt:   r,
		Evidence:  *ev,
		CreatedAt: now,
	}
	if err := g.Commitments.Create(ctx, commitment); err != nil {
		compensate()
		return nil, nil, audit.StatusFailed, fmt.Errorf("gate: save commitment %s: %w", intent.IntentID, err)
	}

	if _, err := g.Ledger.Transfer(ctx, intent.Sender, intent.Recipient, intent.Asset, intent.Amount, domain.ReasonTransfer, intent.IntentID); err != nil {
		if delErr := g.Commitments.Delete(ctx, intent.Sender, intent.IntentID); delErr != nil {
			g.logger.Error("failed to remove commitment after ledger failure",
				zap.String("intent_id", intent.IntentID), zap.Error(delErr))
		}
		compensate()
		return nil, nil, audit.StatusFailed, err
	}

	// 12. Квитанция в цепочку отправителя. Средства уже двинулись: откатывать нельзя.
	if err := g.Receipts.Append(ctx, chainKey, r, head); err != nil {
		g.logger.Error("receipt persistence failed after committed transfer",
			zap.String("intent_id", intent.IntentID),
			zap.String("receipt_id", r.ReceiptID),
			zap.Error(err))
		return &r, ev, audit.StatusCommitted, domain.NewError(domain.CodeReceiptPersistFail, "transfer %s committed but receipt was not persisted", intent.IntentID).
			WithDetail("receipt_id", r.ReceiptID).
			Wrap(err)
	}

	return &r, ev, audit.StatusCommitted, nil
}

// chainHead возвращает голову цепочки отправителя. Если квитанция последнего
// коммитмента не дошла до журнала, она дописывается первой: иначе следующая
// квитанция сослалась бы на тот же previous_receipt_hash.
func (g *CommitmentGate) chainHead(ctx context.Context, sender, chainKey string) (string, error) {
	head, err := g.Receipts.Head(ctx, chainKey)
	if err != nil {
		return "", err
	}
	last, err := g.Commitments.Latest(ctx, sender)
	if errors.Is(err, domain.ErrNotFound) {
		return head, nil
	}
	if err != nil {
		return "", err
	}
	if last.Receipt.PreviousReceiptHash != head {
		return head, nil
	}
	orphan, err := receipt.Hash(&last.Receipt)
	if err != nil {
		return "", err
	}
	if orphan == head {
		return head, nil
	}
	if err := g.Receipts.Append(ctx, chainKey, last.Receipt, head); err != nil {
		return "", fmt.Errorf("re-append receipt %s: %w", last.Receipt.ReceiptID, err)
	}
	g.logger.Warn("re-appended receipt missing from chain",
		zap.String("sender", sender),
		zap.String("intent_id", last.IntentID),
		zap.String("receipt_id", last.Receipt.ReceiptID))
	return orphan, nil
}

func (g *CommitmentGate) restorePermit(ctx context.Context, permitID string, intent domain.PaymentIntent) {
	if err := g.Permits.Restore(ctx, permitID, intent.Amount); err != nil {
		g.logger.Error("failed to restore permit remaining",
			zap.String("permit_id", permitID),
			zap.String("intent_id", intent.IntentID),
			zap.Error(err))
	}
}

func sameChain(chain []*domain.Budget, ids []string) bool {
	if len(chain) != len(ids) {
		return false
	}
	for i, b := range chain {
		if b.BudgetID != ids[i] {
			return false
		}
	}
	return true
}

// Commitment возвращает сохраненный коммитмент по ключу идемпотентности.
func (g *CommitmentGate) Commitment(ctx context.Context, sender, intentID string) (*domain.Commitment, error) {
	c, err := g.Commitments.Get(ctx, sender, intentID)
	if err != nil {
		return nil, fmt.Errorf("gate: commitment %s: %w", intentID, err)
	}
	return c, nil
}
