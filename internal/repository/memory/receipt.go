package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/xela07ax/agentbank-core/internal/domain"
	"github.com/xela07ax/agentbank-core/internal/receipt"
)

// ReceiptLog хранит цепочки квитанций и их головы.
type ReceiptLog struct {
	mu     sync.RWMutex
	heads  map[string]string
	chains map[string][]domain.Receipt
}

func NewReceiptLog() *ReceiptLog {
	return &ReceiptLog{
		heads:  make(map[string]string),
		chains: make(map[string][]domain.Receipt),
	}
}

func (l *ReceiptLog) Head(_ context.Context, chain string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.heads[chain], nil
}

func (l *ReceiptLog) Append(_ context.Context, chain string, r domain.Receipt, expectedHead string) error {
	h, err := receipt.Hash(&r)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.heads[chain] != expectedHead {
		return domain.NewError(domain.CodeReceiptHeadConflict, "chain %s moved past %q", chain, expectedHead).
			WithDetail("chain", chain)
	}
	l.chains[chain] = append(l.chains[chain], r)
	l.heads[chain] = h
	return nil
}

func (l *ReceiptLog) List(_ context.Context, chain string) ([]domain.Receipt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.chains[chain]), nil
}

var _ receipt.Log = (*ReceiptLog)(nil)
