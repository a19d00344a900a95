package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/crypto"
	"github.com/xela07ax/agentbank-core/internal/domain"
	"github.com/xela07ax/agentbank-core/internal/infra"
	"github.com/xela07ax/agentbank-core/internal/infra/keylock"
)

// Store: хранилище счетов и истории. Commit обязан быть атомарным и проверять ожидаемые версии
// (domain.ErrVersionConflict при расхождении).
type Store interface {
	GetAccount(ctx context.Context, key domain.AccountKey) (*domain.Account, error)
	CreateAccount(ctx context.Context, acc domain.Account) error
	Commit(ctx context.Context, batch domain.LedgerBatch) error
	ListEntries(ctx context.Context, key domain.AccountKey) ([]domain.LedgerEntry, error)
	ListAccounts(ctx context.Context, asset domain.AssetID) ([]domain.Account, error)
}

// Leg — одна нога проводки. Пустой From — эмиссия, пустой To — сжигание.
type Leg struct {
	From   string
	To     string
	Amount domain.Amount
	Reason domain.EntryReason
}

type Ledger struct {
	store   Store
	locks   *keylock.Locker
	logger  *zap.Logger
	metrics *infra.Metrics
	now     func() time.Time
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithMetrics(m *infra.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithLocker позволяет делить блокировки счетов с другими компонентами.
func WithLocker(locks *keylock.Locker) Option {
	return func(l *Ledger) { l.locks = locks }
}

func New(store Store, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		locks:  keylock.New(),
		logger: logger.Named("ledger"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = infra.NewMetrics(nil)
	}
	return l
}

func lockKey(k domain.AccountKey) string { return "account:" + k.String() }

// OpenAccount идемпотентно создает счет с нулевым балансом.
func (l *Ledger) OpenAccount(ctx context.Context, owner string, asset domain.AssetID) (domain.AccountKey, error) {
	key := domain.AccountKey{Owner: owner, Asset: asset}
	if owner == "" || asset == "" {
		return key, domain.NewError(domain.CodeInvalidPosting, "owner and asset are required")
	}

	unlock, err := l.locks.Lock(ctx, lockKey(key))
	if err != nil {
		return key, err
	}
	defer unlock()

	if _, err := l.store.GetAccount(ctx, key); err == nil {
		return key, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return key, fmt.Errorf("ledger: load %s: %w", key, err)
	}

	now := domain.Timestamp(l.now())
	acc := domain.Account{
		Owner:     owner,
		Asset:     asset,
		HeadHash:  domain.GenesisHash,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.CreateAccount(ctx, acc); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return key, fmt.Errorf("ledger: create %s: %w", key, err)
	}
	l.logger.Debug("account opened", zap.String("account", key.String()))
	return key, nil
}

// Debit списывает со счета. INSUFFICIENT_BALANCE, если средств меньше суммы.
func (l *Ledger) Debit(ctx context.Context, owner string, asset domain.AssetID, amount domain.Amount, reason domain.EntryReason, correlationID string) (domain.LedgerEntry, error) {
	entries, err := l.Post(ctx, asset, correlationID, Leg{From: owner, Amount: amount, Reason: reason})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	return entries[0], nil
}

// Credit зачисляет на счет (открывая его при необходимости). Ошибка только при переполнении.
func (l *Ledger) Credit(ctx context.Context, owner string, asset domain.AssetID, amount domain.Amount, reason domain.EntryReason, correlationID string) (domain.LedgerEntry, error) {
	entries, err := l.Post(ctx, asset, correlationID, Leg{To: owner, Amount: amount, Reason: reason})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	return entries[0], nil
}

// Transfer: списание и зачисление одной атомарной записью.
func (l *Ledger) Transfer(ctx context.Context, from, to string, asset domain.AssetID, amount domain.Amount, reason domain.EntryReason, correlationID string) ([]domain.LedgerEntry, error) {
	if from == "" || to == "" {
		return nil, domain.NewError(domain.CodeInvalidPosting, "transfer requires both parties")
	}
	return l.Post(ctx, asset, correlationID, Leg{From: from, To: to, Amount: amount, Reason: reason})
}

type working struct {
	acc      domain.Account
	expected uint64
	create   bool
}

// Post применяет несколько ног атомарно: блокирует все затронутые счета в порядке ключей,
// считает новые балансы, строит цепочку записей и отдает хранилищу одну партию.
func (l *Ledger) Post(ctx context.Context, asset domain.AssetID, correlationID string, legs ...Leg) ([]domain.LedgerEntry, error) {
	if asset == "" || len(legs) == 0 {
		return nil, domain.NewError(domain.CodeInvalidPosting, "posting requires an asset and at least one leg")
	}
	var keys []string
	for i, leg := range legs {
		switch {
		case leg.Amount == 0:
			return nil, domain.NewError(domain.CodeInvalidAmount, "leg %d: amount must be positive", i)
		case leg.From == "" && leg.To == "":
			return nil, domain.NewError(domain.CodeInvalidPosting, "leg %d: no parties", i)
		case leg.From == leg.To:
			return nil, domain.NewError(domain.CodeInvalidPosting, "leg %d: from and to are the same account", i)
		case leg.Reason == "":
			return nil, domain.NewError(domain.CodeInvalidPosting, "leg %d: reason is required", i)
		}
		if leg.From != "" {
			keys = append(keys, lockKey(domain.AccountKey{Owner: leg.From, Asset: asset}))
		}
		if leg.To != "" {
			keys = append(keys, lockKey(domain.AccountKey{Owner: leg.To, Asset: asset}))
		}
	}

	unlock, err := l.locks.Lock(ctx, keys...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := domain.Timestamp(l.now())
	work := make(map[string]*working)
	load := func(owner string) (*working, error) {
		if w, ok := work[owner]; ok {
			return w, nil
		}
		key := domain.AccountKey{Owner: owner, Asset: asset}
		acc, err := l.store.GetAccount(ctx, key)
		switch {
		case err == nil:
			w := &working{acc: *acc, expected: acc.Version}
			work[owner] = w
			return w, nil
		case errors.Is(err, domain.ErrNotFound):
			w := &working{
				acc: domain.Account{
					Owner:     owner,
					Asset:     asset,
					HeadHash:  domain.GenesisHash,
					CreatedAt: now,
					UpdatedAt: now,
				},
				create: true,
			}
			work[owner] = w
			return w, nil
		default:
			return nil, fmt.Errorf("ledger: load %s: %w", key, err)
		}
	}

	entries := make([]domain.LedgerEntry, 0, len(legs)*2)
	for _, leg := range legs {
		if leg.From != "" {
			w, err := load(leg.From)
			if err != nil {
				return nil, err
			}
			if w.acc.Balance < leg.Amount {
				return nil, domain.NewError(domain.CodeInsufficientBalance, "account %s/%s has %d, needs %d", leg.From, asset, w.acc.Balance, leg.Amount).
					WithDetail("account", leg.From).
					WithDetail("asset", string(asset)).
					WithDetail("requested", uint64(leg.Amount)).
					WithDetail("available", uint64(w.acc.Balance))
			}
			e, err := l.appendEntry(w, leg, domain.DirectionDebit, w.acc.Balance-leg.Amount, now, correlationID)
			if err != nil {
				return nil, err
			}
			entries = append(entries, e)
		}
		if leg.To != "" {
			w, err := load(leg.To)
			if err != nil {
				return nil, err
			}
			next, err := w.acc.Balance.Add(leg.Amount)
			if err != nil {
				return nil, err
			}
			e, err := l.appendEntry(w, leg, domain.DirectionCredit, next, now, correlationID)
			if err != nil {
				return nil, err
			}
			entries = append(entries, e)
		}
	}

	owners := make([]string, 0, len(work))
	for owner := range work {
		owners = append(owners, owner)
	}
	slices.Sort(owners)

	batch := domain.LedgerBatch{Entries: entries}
	for _, owner := range owners {
		w := work[owner]
		batch.Accounts = append(batch.Accounts, domain.AccountUpdate{
			Account:         w.acc,
			ExpectedVersion: w.expected,
			Create:          w.create,
		})
	}

	if err := l.store.Commit(ctx, batch); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			l.metrics.LedgerConflicts.Inc()
			return nil, err
		}
		return nil, fmt.Errorf("ledger: commit: %w", err)
	}

	for _, e := range entries {
		l.metrics.LedgerPostings.WithLabelValues(string(e.Operation)).Inc()
	}
	l.logger.Debug("posting committed",
		zap.String("asset", string(asset)),
		zap.String("correlation_id", correlationID),
		zap.Int("entries", len(entries)))
	return entries, nil
}

func (l *Ledger) appendEntry(w *working, leg Leg, dir domain.Direction, balanceAfter domain.Amount, now time.Time, correlationID string) (domain.LedgerEntry, error) {
	e := domain.LedgerEntry{
		EntryID:        domain.NewEntryID(),
		Account:        w.acc.Owner,
		Asset:          w.acc.Asset,
		Direction:      dir,
		Operation:      leg.Reason,
		Amount:         leg.Amount,
		From:           leg.From,
		To:             leg.To,
		BalanceAfter:   balanceAfter,
		AccountVersion: w.acc.Version + 1,
		CorrelationID:  correlationID,
		Timestamp:      now,
		PrevEntryHash:  w.acc.HeadHash,
	}
	h, err := EntryHash(e)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	e.EntryHash = h

	w.acc.Version = e.AccountVersion
	w.acc.Balance = balanceAfter
	w.acc.HeadHash = h
	w.acc.UpdatedAt = now
	return e, nil
}

// EntryHash = sha256(canonical(entry без хэшей) ++ prev_entry_hash).
func EntryHash(e domain.LedgerEntry) (string, error) {
	canonical, err := crypto.Canonicalize(e.HashView())
	if err != nil {
		return "", fmt.Errorf("ledger: canonicalize entry %s: %w", e.EntryID, err)
	}
	return crypto.ChainHash(canonical, e.PrevEntryHash)
}

// Balance возвращает последнее зафиксированное состояние. Несуществующий счет дает ноль.
func (l *Ledger) Balance(ctx context.Context, owner string, asset domain.AssetID) (domain.Amount, error) {
	acc, err := l.store.GetAccount(ctx, domain.AccountKey{Owner: owner, Asset: asset})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("ledger: balance %s/%s: %w", owner, asset, err)
	}
	return acc.Balance, nil
}

func (l *Ledger) Account(ctx context.Context, owner string, asset domain.AssetID) (*domain.Account, error) {
	key := domain.AccountKey{Owner: owner, Asset: asset}
	acc, err := l.store.GetAccount(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("ledger: account %s: %w", key, err)
	}
	return acc, nil
}

func (l *Ledger) Entries(ctx context.Context, owner string, asset domain.AssetID) ([]domain.LedgerEntry, error) {
	entries, err := l.store.ListEntries(ctx, domain.AccountKey{Owner: owner, Asset: asset})
	if err != nil {
		return nil, fmt.Errorf("ledger: entries %s/%s: %w", owner, asset, err)
	}
	return entries, nil
}

// Posted сообщает, есть ли в истории счета запись с данным correlation id.
func (l *Ledger) Posted(ctx context.Context, owner string, asset domain.AssetID, correlationID string) (bool, error) {
	entries, err := l.store.ListEntries(ctx, domain.AccountKey{Owner: owner, Asset: asset})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("ledger: entries %s: %w", owner, err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].CorrelationID == correlationID {
			return true, nil
		}
	}
	return false, nil
}

// TotalSupply: сумма балансов по активу; по закону сохранения равна эмиссии минус сжигание.
func (l *Ledger) TotalSupply(ctx context.Context, asset domain.AssetID) (domain.Amount, error) {
	accounts, err := l.store.ListAccounts(ctx, asset)
	if err != nil {
		return 0, fmt.Errorf("ledger: list accounts %s: %w", asset, err)
	}
	var total domain.Amount
	for _, a := range accounts {
		if total, err = total.Add(a.Balance); err != nil {
			return 0, err
		}
	}
	return total, nil
}
