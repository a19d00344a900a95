package domain

import "time"

// CheckRecord — одно проверенное правило и значения, с которыми его проверяли.
type CheckRecord struct {
	Rule     string `json:"rule"`
	Observed string `json:"observed"`
	Limit    string `json:"limit,omitempty"`
	Passed   bool   `json:"passed"`
}

// Evidence — что именно проверил Gate. Нужен для повторного прогона аудита.
type Evidence struct {
	IntentHash         string        `json:"intent_hash"`
	PermitHash         string        `json:"permit_hash"`
	BudgetSnapshotHash string        `json:"budget_snapshot_hash"`
	Checks             []CheckRecord `json:"checks"`
	GatheredAt         time.Time     `json:"gathered_at"`
}

func (e *Evidence) Add(rule, observed, limit string) {
	e.Checks = append(e.Checks, CheckRecord{Rule: rule, Observed: observed, Limit: limit, Passed: true})
}

// Commitment — зафиксированный результат Gate, ключ идемпотентности — IntentID.
type Commitment struct {
	IntentID  string    `json:"intent_id"`
	Sender    string    `json:"sender"`
	PermitID  string    `json:"permit_id"`
	BudgetID  string    `json:"budget_id"`
	Receipt   Receipt   `json:"receipt"`
	Evidence  Evidence  `json:"evidence"`
	CreatedAt time.Time `json:"created_at"`
}
