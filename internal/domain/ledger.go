package domain

import "time"

// EntryReason — хозяйственная причина проводки.
type EntryReason string

const (
	ReasonMint          EntryReason = "MINT"
	ReasonBurn          EntryReason = "BURN"
	ReasonTransfer      EntryReason = "TRANSFER"
	ReasonEscrowLock    EntryReason = "ESCROW_LOCK"
	ReasonEscrowRelease EntryReason = "ESCROW_RELEASE"
	ReasonEscrowRefund  EntryReason = "ESCROW_REFUND"
)

type Direction string

const (
	DirectionDebit  Direction = "DEBIT"
	DirectionCredit Direction = "CREDIT"
)

// GenesisHash: предыдущий хэш первой записи любого счета.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

type AccountKey struct {
	Owner string  `json:"owner"`
	Asset AssetID `json:"asset"`
}

func (k AccountKey) String() string { return k.Owner + "/" + string(k.Asset) }

// Account — баланс по паре (владелец, актив). Счет никогда не удаляется, нулевой остается записью.
type Account struct {
	Owner     string    `json:"owner"`
	Asset     AssetID   `json:"asset"`
	Balance   Amount    `json:"balance"`
	Version   uint64    `json:"version"`
	HeadHash  string    `json:"head_hash"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (a Account) Key() AccountKey { return AccountKey{Owner: a.Owner, Asset: a.Asset} }

// LedgerEntry — неизменяемая запись истории счета. Хэши образуют цепочку в пределах одного счета.
type LedgerEntry struct {
	EntryID        string      `json:"entry_id"`
	Account        string      `json:"account"`
	Asset          AssetID     `json:"asset"`
	Direction      Direction   `json:"direction"`
	Operation      EntryReason `json:"operation"`
	Amount         Amount      `json:"amount"`
	From           string      `json:"from,omitempty"`
	To             string      `json:"to,omitempty"`
	BalanceAfter   Amount      `json:"balance_after"`
	AccountVersion uint64      `json:"account_version"`
	CorrelationID  string      `json:"correlation_id,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
	PrevEntryHash  string      `json:"prev_entry_hash"`
	EntryHash      string      `json:"entry_hash"`
}

func (e LedgerEntry) Key() AccountKey { return AccountKey{Owner: e.Account, Asset: e.Asset} }

// HashView: поля, которые входят в хэш записи. Хэши самой записи и предыдущей сюда не входят:
// предыдущий хэш дописывается к каноническим байтам отдельно.
func (e LedgerEntry) HashView() map[string]any {
	return map[string]any{
		"entry_id":        e.EntryID,
		"account":         e.Account,
		"asset":           string(e.Asset),
		"direction":       string(e.Direction),
		"operation":       string(e.Operation),
		"amount":          uint64(e.Amount),
		"from":            e.From,
		"to":              e.To,
		"balance_after":   uint64(e.BalanceAfter),
		"account_version": e.AccountVersion,
		"correlation_id":  e.CorrelationID,
		"timestamp":       FormatTime(e.Timestamp),
	}
}

// AccountUpdate — новое состояние счета и версия, которую хранилище должно увидеть перед записью.
type AccountUpdate struct {
	Account         Account
	ExpectedVersion uint64
	Create          bool
}

// LedgerBatch — атомарная единица записи: либо все счета и записи, либо ничего.
type LedgerBatch struct {
	Accounts []AccountUpdate
	Entries  []LedgerEntry
}
