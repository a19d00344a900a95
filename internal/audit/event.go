package audit

import "time"

// Категории событий журнала решений.
const (
	CategoryCommitment = "commitment"
	CategoryEscrow     = "escrow"
	CategoryIssuer     = "issuer"
	CategoryControl    = "control"
)

// Статусы решений.
const (
	StatusCommitted = "COMMITTED"
	StatusDenied    = "DENIED"
	StatusReplayed  = "REPLAYED"
	StatusFailed    = "FAILED"
	StatusApplied   = "APPLIED"
)

type AuditEvent struct {
	ID       string `json:"id"`       // ID события (evt_...)
	TraceID  string `json:"trace_id"` // Сквозной ID запроса
	Category string `json:"category"` // commitment / escrow / issuer / control
	ActorID  string `json:"actor_id"` // Кто инициировал
	Subject  string `json:"subject"`  // intent_id, escrow_id, permit_id

	// Предмет решения
	Amount uint64 `json:"amount,omitempty"`
	Asset  string `json:"asset,omitempty"`

	// Результат
	Status     string         `json:"status"`         // COMMITTED, DENIED, ...
	Code       string         `json:"code,omitempty"` // стабильный код отказа
	ReceiptID  string         `json:"receipt_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMs int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
}
