package domain

import (
	"slices"
	"time"
)

type BudgetStatus string

const (
	BudgetActive    BudgetStatus = "ACTIVE"
	BudgetExhausted BudgetStatus = "EXHAUSTED"
	BudgetExpired   BudgetStatus = "EXPIRED"
)

// VelocityWindow — лимит суммы трат в скользящем окне длиной Duration.
type VelocityWindow struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Limit    Amount        `json:"limit"`
}

type SpendRecord struct {
	Amount Amount    `json:"amount"`
	At     time.Time `json:"at"`
	Ref    string    `json:"ref"`
}

// Budget — изменяемый трекер трат. SpentTotal и History только растут (кроме явной компенсации).
type Budget struct {
	BudgetID   string           `json:"budget_id"`
	Owner      string           `json:"owner"`
	Asset      AssetID          `json:"asset"`
	MaxTotal   Amount           `json:"max_total"`
	MaxSingle  Amount           `json:"max_single"`
	Velocity   []VelocityWindow `json:"velocity,omitempty"`
	SpentTotal Amount           `json:"spent_total"`
	History    []SpendRecord    `json:"history,omitempty"`
	ParentID   string           `json:"parent_id,omitempty"`
	Status     BudgetStatus     `json:"status"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
	Version    uint64           `json:"version"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Validate проверяет форму бюджета при создании.
func (b *Budget) Validate() error {
	if b.BudgetID == "" || b.Owner == "" || b.Asset == "" {
		return NewError(CodeBudgetInvalid, "budget id, owner and asset are required")
	}
	if b.MaxTotal == 0 || b.MaxSingle == 0 {
		return NewError(CodeBudgetInvalid, "budget %s: max_total and max_single must be positive", b.BudgetID)
	}
	if b.MaxSingle > b.MaxTotal {
		return NewError(CodeBudgetInvalid, "budget %s: max_single exceeds max_total", b.BudgetID)
	}
	for _, w := range b.Velocity {
		if w.Duration <= 0 || w.Limit == 0 {
			return NewError(CodeBudgetInvalid, "budget %s: velocity window %q must have positive duration and limit", b.BudgetID, w.Name)
		}
	}
	if b.ParentID == b.BudgetID {
		return NewError(CodeBudgetHierarchyInvalid, "budget %s cannot be its own parent", b.BudgetID)
	}
	return nil
}

// Remaining: сколько еще можно потратить до MaxTotal.
func (b *Budget) Remaining() Amount {
	if b.SpentTotal >= b.MaxTotal {
		return 0
	}
	return b.MaxTotal - b.SpentTotal
}

// WindowSpent суммирует траты, попавшие в окно (now-d, now]. История упорядочена по времени,
// поэтому идем с конца и останавливаемся на первой записи вне окна.
func (b *Budget) WindowSpent(d time.Duration, now time.Time) Amount {
	cutoff := now.Add(-d)
	var sum Amount
	// история упорядочена по вставке, а не по времени: часы разных инстансов расходятся
	for _, rec := range b.History {
		if !rec.At.After(cutoff) || rec.At.After(now) {
			continue
		}
		// переполнение здесь невозможно при соблюдении MaxTotal, но не молчим
		next, err := sum.Add(rec.Amount)
		if err != nil {
			return Amount(^uint64(0))
		}
		sum = next
	}
	return sum
}

// CanSpend выполняет проверки одного уровня в порядке: статус, разовый лимит, общий остаток, окна скорости.
// Уровень иерархии (level) попадает в детали ошибки.
func (b *Budget) CanSpend(amount Amount, now time.Time, level int) error {
	if b.Status != BudgetActive && b.Status != BudgetExhausted {
		return NewError(CodeBudgetInactive, "budget %s is %s", b.BudgetID, b.Status).
			WithDetail("budget_id", b.BudgetID).
			WithDetail("level", level)
	}
	if b.ExpiresAt != nil && !now.Before(*b.ExpiresAt) {
		return NewError(CodeBudgetInactive, "budget %s expired at %s", b.BudgetID, FormatTime(*b.ExpiresAt)).
			WithDetail("budget_id", b.BudgetID).
			WithDetail("level", level)
	}

	// 1. Разовый лимит
	if amount > b.MaxSingle {
		return NewError(CodeBudgetExceeded, "budget %s: amount %d exceeds max_single %d", b.BudgetID, amount, b.MaxSingle).
			WithDetail("budget_id", b.BudgetID).
			WithDetail("level", level).
			WithDetail("limit", "max_single").
			WithDetail("requested", uint64(amount)).
			WithDetail("available", uint64(b.MaxSingle))
	}

	// 2. Общий остаток
	if remaining := b.Remaining(); amount > remaining {
		return NewError(CodeBudgetExceeded, "budget %s: amount %d exceeds remaining %d", b.BudgetID, amount, remaining).
			WithDetail("budget_id", b.BudgetID).
			WithDetail("level", level).
			WithDetail("limit", "max_total").
			WithDetail("requested", uint64(amount)).
			WithDetail("available", uint64(remaining))
	}

	// 3. Скользящие окна
	for _, w := range b.Velocity {
		spent := b.WindowSpent(w.Duration, now)
		total, err := spent.Add(amount)
		if err != nil || total > w.Limit {
			var available Amount
			if spent < w.Limit {
				available = w.Limit - spent
			}
			return NewError(CodeVelocityExceeded, "budget %s: window %s allows %d more, requested %d", b.BudgetID, w.Name, available, amount).
				WithDetail("budget_id", b.BudgetID).
				WithDetail("level", level).
				WithDetail("window", w.Name).
				WithDetail("window_seconds", int64(w.Duration/time.Second)).
				WithDetail("requested", uint64(amount)).
				WithDetail("available", uint64(available))
		}
	}
	return nil
}

// RecordSpend фиксирует успешную трату. Вызывается только Gate после прохождения всех проверок.
func (b *Budget) RecordSpend(amount Amount, at time.Time, ref string) error {
	total, err := b.SpentTotal.Add(amount)
	if err != nil {
		return err
	}
	b.SpentTotal = total
	b.pruneHistory(at)
	b.History = append(b.History, SpendRecord{Amount: amount, At: at, Ref: ref})
	if b.SpentTotal >= b.MaxTotal {
		b.Status = BudgetExhausted
	}
	return nil
}

// pruneHistory отбрасывает записи, которые уже не попадут ни в одно окно скорости.
// Compensate нужна только последняя запись: Gate компенсирует под той же блокировкой бюджета.
func (b *Budget) pruneHistory(now time.Time) {
	var longest time.Duration
	for _, w := range b.Velocity {
		longest = max(longest, w.Duration)
	}
	cutoff := now.Add(-longest)
	stale := func(r SpendRecord) bool { return !r.At.After(cutoff) }
	if slices.ContainsFunc(b.History, stale) {
		b.History = slices.DeleteFunc(slices.Clone(b.History), stale)
	}
}

// Compensate убирает трату с ref. Единственный допустимый способ уменьшить SpentTotal.
func (b *Budget) Compensate(ref string) (Amount, bool) {
	for i := len(b.History) - 1; i >= 0; i-- {
		if b.History[i].Ref != ref {
			continue
		}
		amount := b.History[i].Amount
		b.History = append(b.History[:i], b.History[i+1:]...)
		b.SpentTotal -= amount
		if b.Status == BudgetExhausted && b.SpentTotal < b.MaxTotal {
			b.Status = BudgetActive
		}
		return amount, true
	}
	return 0, false
}

// Clone: глубокая копия, чтобы хранилища не делили срезы с вызывающим кодом.
func (b *Budget) Clone() *Budget {
	c := *b
	c.Velocity = append([]VelocityWindow(nil), b.Velocity...)
	c.History = append([]SpendRecord(nil), b.History...)
	if b.ExpiresAt != nil {
		t := *b.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}
