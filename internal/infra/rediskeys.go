package infra

import (
	"fmt"
	"strings"
)

// RedisNamespace изолирует ключи банка от соседей по инстансу Redis.
const RedisNamespace = "agentbank"

// Sets control plane и блокировки прогрева/зачистки
const (
	RedisKeyFrozenAgents   = RedisNamespace + ":agents:frozen_set"
	RedisKeyRevokedPermits = RedisNamespace + ":permits:revoked_set"
	RedisKeyLockFrozen     = RedisNamespace + ":lock:warmup:frozen"
	RedisKeyLockRevoked    = RedisNamespace + ":lock:warmup:revoked"
	RedisKeyLockSweep      = RedisNamespace + ":lock:escrow:sweep"
)

// Каналы Pub/Sub. Формат сообщения "id:true|false".
const (
	RedisChanFreeze     = RedisNamespace + ":agents:freeze-signal"
	RedisChanRevocation = RedisNamespace + ":permits:revocation-signal"
)

// StateSignal: полезная нагрузка сообщения pub/sub для наборов состояния.
func StateSignal(id string, on bool) string {
	return fmt.Sprintf("%s:%t", id, on)
}

// ParseStateSignal разбирает "id:flag". ID может содержать двоеточия, поэтому режем по последнему.
// Флаг "true" или "on" включает, любое другое значение выключает.
func ParseStateSignal(payload string) (id string, on bool, ok bool) {
	i := strings.LastIndex(payload, ":")
	if i <= 0 || i == len(payload)-1 {
		return "", false, false
	}
	flag := payload[i+1:]
	return payload[:i], flag == "true" || flag == "on", true
}
