package domain

import (
	"crypto/ed25519"
	"encoding/hex"
	"slices"
	"time"
)

// AssetID — класс актива (IUSD и т.п.). Один счет на пару (владелец, актив).
type AssetID string

const AssetIUSD AssetID = "IUSD"

// Identity — принципал (агент), связанный с публичным ключом. Приватный ключ не покидает процесс владельца.
type Identity struct {
	ID         string            `json:"id"`
	PublicKey  ed25519.PublicKey `json:"public_key"`
	Categories []string          `json:"categories,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (i Identity) PublicKeyHex() string { return hex.EncodeToString(i.PublicKey) }

func (i Identity) HasCategory(category string) bool {
	return slices.Contains(i.Categories, category)
}

// Counterparty — то, что проверяет CounterpartyConstraint: ID получателя и его категории.
type Counterparty struct {
	ID         string
	Categories []string
}

// Роли подписантов квитанций.
type Role string

const (
	RoleIssuer Role = "issuer"
	RoleGate   Role = "gate"
	RoleEscrow Role = "escrow"
)
