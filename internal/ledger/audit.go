package ledger

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/domain"
)

// Audit перепроверяет историю счета: порядок версий, связи prev_entry_hash, пересчитанные хэши
// и воспроизведенный баланс. Первое расхождение -> CHAIN_BROKEN с номером версии.
func (l *Ledger) Audit(ctx context.Context, owner string, asset domain.AssetID) error {
	key := domain.AccountKey{Owner: owner, Asset: asset}
	acc, err := l.store.GetAccount(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	entries, err := l.store.ListEntries(ctx, key)
	if err != nil {
		return err
	}

	broken := func(version uint64, format string, args ...any) *domain.Error {
		return domain.NewError(domain.CodeChainBroken, format, args...).
			WithDetail("account", key.String()).
			WithDetail("version", version)
	}

	prev := domain.GenesisHash
	var balance domain.Amount
	for i, e := range entries {
		want := uint64(i + 1)
		switch {
		case e.Account != owner || e.Asset != asset:
			return broken(e.AccountVersion, "entry %s belongs to %s/%s", e.EntryID, e.Account, e.Asset)
		case e.AccountVersion != want:
			return broken(want, "expected version %d, found %d", want, e.AccountVersion)
		case e.PrevEntryHash != prev:
			return broken(want, "entry %s does not link to previous hash", e.EntryID)
		}

		h, err := EntryHash(e)
		if err != nil {
			return err
		}
		if h != e.EntryHash {
			return broken(want, "entry %s hash mismatch", e.EntryID)
		}

		switch e.Direction {
		case domain.DirectionCredit:
			balance, err = balance.Add(e.Amount)
		case domain.DirectionDebit:
			balance, err = balance.Sub(e.Amount)
		default:
			return broken(want, "entry %s has unknown direction %q", e.EntryID, e.Direction)
		}
		if err != nil {
			return broken(want, "entry %s replays to an invalid balance", e.EntryID).Wrap(err)
		}
		if balance != e.BalanceAfter {
			return broken(want, "entry %s balance_after %d, replayed %d", e.EntryID, e.BalanceAfter, balance)
		}
		prev = e.EntryHash
	}

	switch {
	case acc.HeadHash != prev:
		return broken(acc.Version, "account head does not match last entry")
	case acc.Version != uint64(len(entries)):
		return broken(acc.Version, "account version %d, history has %d entries", acc.Version, len(entries))
	case acc.Balance != balance:
		return broken(acc.Version, "account balance %d, replayed %d", acc.Balance, balance)
	}
	return nil
}

// VerifyChain: булева форма Audit. Ошибка хранилища возвращается отдельно от факта разрыва.
func (l *Ledger) VerifyChain(ctx context.Context, owner string, asset domain.AssetID) (bool, error) {
	err := l.Audit(ctx, owner, asset)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, domain.ErrChainBroken) {
		l.logger.Error("hash chain broken",
			zap.String("owner", owner),
			zap.String("asset", string(asset)),
			zap.Error(err))
		return false, nil
	}
	return false, err
}
