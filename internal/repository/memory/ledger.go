// Package memory: хранилища в памяти процесса. Используются по умолчанию без DSN и в тестах.
// Все методы возвращают копии, чтобы вызывающий не мог изменить состояние в обход версий.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/xela07ax/agentbank-core/internal/domain"
)

type LedgerStore struct {
	mu       sync.RWMutex
	accounts map[domain.AccountKey]domain.Account
	entries  map[domain.AccountKey][]domain.LedgerEntry
}

func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		accounts: make(map[domain.AccountKey]domain.Account),
		entries:  make(map[domain.AccountKey][]domain.LedgerEntry),
	}
}

func (s *LedgerStore) GetAccount(_ context.Context, key domain.AccountKey) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &acc, nil
}

func (s *LedgerStore) CreateAccount(_ context.Context, acc domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acc.Key()]; ok {
		return domain.ErrAlreadyExists
	}
	s.accounts[acc.Key()] = acc
	return nil
}

// Commit сначала проверяет все версии, потом пишет: частичного применения нет.
func (s *LedgerStore) Commit(_ context.Context, batch domain.LedgerBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range batch.Accounts {
		cur, ok := s.accounts[u.Account.Key()]
		switch {
		case u.Create && ok:
			return domain.NewError(domain.CodeVersionConflict, "account %s was created concurrently", u.Account.Key())
		case !u.Create && !ok:
			return domain.NewError(domain.CodeVersionConflict, "account %s disappeared", u.Account.Key())
		case !u.Create && cur.Version != u.ExpectedVersion:
			return domain.NewError(domain.CodeVersionConflict, "account %s: expected version %d, found %d",
				u.Account.Key(), u.ExpectedVersion, cur.Version).
				WithDetail("account", u.Account.Key().String())
		}
	}

	for _, u := range batch.Accounts {
		s.accounts[u.Account.Key()] = u.Account
	}
	for _, e := range batch.Entries {
		s.entries[e.Key()] = append(s.entries[e.Key()], e)
	}
	return nil
}

func (s *LedgerStore) ListEntries(_ context.Context, key domain.AccountKey) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.entries[key])
	slices.SortFunc(out, func(a, b domain.LedgerEntry) int { return cmp.Compare(a.AccountVersion, b.AccountVersion) })
	return out, nil
}

func (s *LedgerStore) ListAccounts(_ context.Context, asset domain.AssetID) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Account
	for k, acc := range s.accounts {
		if k.Asset == asset {
			out = append(out, acc)
		}
	}
	slices.SortFunc(out, func(a, b domain.Account) int { return cmp.Compare(a.Owner, b.Owner) })
	return out, nil
}

// ReplaceEntry подменяет запись истории в обход ledger. Нужен только для проверки обнаружения подделок.
func (s *LedgerStore) ReplaceEntry(key domain.AccountKey, version uint64, mutate func(*domain.LedgerEntry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries[key] {
		if s.entries[key][i].AccountVersion == version {
			mutate(&s.entries[key][i])
			return true
		}
	}
	return false
}
