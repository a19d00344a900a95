package service

import (
	"context"
	"errors"

	"github.com/xela07ax/agentbank-core/internal/domain"
)

type AccountView struct {
	Owner     string         `json:"owner"`
	Asset     domain.AssetID `json:"asset"`
	Balance   domain.Amount  `json:"balance"`
	Version   uint64         `json:"version"`
	HeadHash  string         `json:"head_hash,omitempty"`
	Formatted string         `json:"formatted"`
}

// Account возвращает баланс. Несуществующий счет показывается как нулевой.
func (b *Bank) Account(ctx context.Context, owner string, asset domain.AssetID, decimals int32) (*AccountView, error) {
	if err := authorize(ctx, owner, "read account"); err != nil {
		return nil, err
	}
	view := &AccountView{Owner: owner, Asset: asset}
	acc, err := b.Ledger.Account(ctx, owner, asset)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		view.Balance = acc.Balance
		view.Version = acc.Version
		view.HeadHash = acc.HeadHash
	}
	view.Formatted = view.Balance.Format(decimals)
	return view, nil
}

func (b *Bank) Entries(ctx context.Context, owner string, asset domain.AssetID) ([]domain.LedgerEntry, error) {
	if err := authorize(ctx, owner, "read entries"); err != nil {
		return nil, err
	}
	return b.Ledger.Entries(ctx, owner, asset)
}

type ChainReport struct {
	Owner string         `json:"owner"`
	Asset domain.AssetID `json:"asset"`
	Valid bool           `json:"valid"`
	Error *domain.Error  `json:"error,omitempty"`
}

// VerifyAccount пересчитывает хэш-цепочку счета. Расхождение: не ошибка запроса, а результат проверки.
func (b *Bank) VerifyAccount(ctx context.Context, owner string, asset domain.AssetID) (*ChainReport, error) {
	if err := authorize(ctx, owner, "verify account"); err != nil {
		return nil, err
	}
	report := &ChainReport{Owner: owner, Asset: asset, Valid: true}
	if err := b.Ledger.Audit(ctx, owner, asset); err != nil {
		var de *domain.Error
		if !errors.As(err, &de) || de.Code != domain.CodeChainBroken {
			return nil, err
		}
		report.Valid = false
		report.Error = de
	}
	return report, nil
}

type SupplyView struct {
	Asset        domain.AssetID `json:"asset"`
	LedgerTotal  domain.Amount  `json:"ledger_total"`
	IssuerSupply domain.Amount  `json:"issuer_supply"`
	Conserved    bool           `json:"conserved"`
}

// Supply сверяет закон сохранения: сумма балансов равна выпущенному минус сожженное.
func (b *Bank) Supply(ctx context.Context) (*SupplyView, error) {
	total, err := b.Ledger.TotalSupply(ctx, b.Asset)
	if err != nil {
		return nil, err
	}
	supply, err := b.Issuer.Supply(ctx)
	if err != nil {
		return nil, err
	}
	return &SupplyView{Asset: b.Asset, LedgerTotal: total, IssuerSupply: supply, Conserved: total == supply}, nil
}
