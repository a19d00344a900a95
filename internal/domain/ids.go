package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	PrefixCommitment = "commit"
	PrefixPermit     = "permit"
	PrefixBudget     = "budget"
	PrefixIntent     = "intent"
	PrefixEscrow     = "escrow"
	PrefixReceipt    = "rcpt"
	PrefixEntry      = "entry"
	PrefixEvent      = "evt"
)

// NewID выдает идентификатор вида "<prefix>_<uuid>".
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// NewEntryID: ULID сортируется по времени, поэтому записи журнала удобно листать по ключу.
func NewEntryID() string {
	return PrefixEntry + "_" + ulid.Make().String()
}

// Timestamp нормализует время к UTC с точностью до микросекунд: столько хранит Postgres,
// и канонические байты не должны меняться после чтения из базы.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// FormatTime: единый формат времени внутри канонических байт.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
