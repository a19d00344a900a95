package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/infra"
)

const (
	warmupLockTTL    = 30 * time.Second
	subscribeBackoff = 5 * time.Second
	resubscribeDelay = time.Second
)

// StateProvider — авторитетный источник набора (БД): замороженные агенты, отозванные разрешения.
type StateProvider func(ctx context.Context) ([]string, error)

// StateSet: набор ID с горячей копией в RAM (L1), общим состоянием в Redis (L2) и
// синхронизацией через pub/sub. Без Redis работает как локальный набор.
type StateSet struct {
	name     string
	redisKey string
	lockKey  string
	channel  string

	mu    sync.RWMutex
	items map[string]struct{}

	source StateProvider
	rdb    redis.UniversalClient
	logger *zap.Logger
}

func NewStateSet(name, redisKey, lockKey, channel string, source StateProvider, rdb redis.UniversalClient, logger *zap.Logger) *StateSet {
	return &StateSet{
		name:     name,
		redisKey: redisKey,
		lockKey:  lockKey,
		channel:  channel,
		items:    make(map[string]struct{}),
		source:   source,
		rdb:      rdb,
		logger:   logger.Named("stateset").With(zap.String("set", name)),
	}
}

// NewFrozenAgents создает kill-switch, то есть набор агентов, которым запрещено проходить через Gate.
func NewFrozenAgents(source StateProvider, rdb redis.UniversalClient, logger *zap.Logger) *StateSet {
	return NewStateSet("frozen_agents", infra.RedisKeyFrozenAgents, infra.RedisKeyLockFrozen, infra.RedisChanFreeze, source, rdb, logger)
}

// NewRevokedPermits: список отзыва, сверяется при каждой проверке разрешения.
func NewRevokedPermits(source StateProvider, rdb redis.UniversalClient, logger *zap.Logger) *StateSet {
	return NewStateSet("revoked_permits", infra.RedisKeyRevokedPermits, infra.RedisKeyLockRevoked, infra.RedisChanRevocation, source, rdb, logger)
}

// Init загружает текущее состояние при старте и при каждом переподключении к Redis.
// Итог есть объединение БД и Redis, и запись, известная хотя бы одному источнику, действует.
func (s *StateSet) Init(ctx context.Context) error {
	var ids []string
	if s.source != nil {
		var err error
		if ids, err = s.source(ctx); err != nil {
			return fmt.Errorf("failed to fetch %s from DB: %w", s.name, err)
		}
	}
	if s.rdb == nil {
		s.replace(ids)
		return nil
	}

	// 1. Пустой Redis заливает тот инстанс, который взял блокировку прогрева
	warmed, err := s.warmup(ctx, ids)
	if err != nil {
		return err
	}
	if warmed {
		s.replace(ids)
		return nil
	}

	// 2. Иначе читаем общее состояние
	members, err := s.rdb.SMembers(ctx, s.redisKey).Result()
	if err != nil {
		s.logger.Warn("could not read Redis set, keeping DB state", zap.Error(err))
		s.replace(ids)
		return nil
	}
	s.replace(append(ids, members...))
	return nil
}

// warmup переносит состояние БД в пустой Redis. true: заливка выполнена этим инстансом.
func (s *StateSet) warmup(ctx context.Context, ids []string) (bool, error) {
	if len(ids) == 0 {
		return false, nil
	}
	ok, err := s.rdb.SetNX(ctx, s.lockKey, "processing", warmupLockTTL).Result()
	if err != nil || !ok {
		// Сеть недоступна или прогревает другой инстанс
		return false, nil
	}
	count, err := s.rdb.SCard(ctx, s.redisKey).Result()
	if err != nil {
		s.logger.Warn("could not check Redis set size, proceeding with warm-up", zap.Error(err))
		count = 0
	}
	if count > 0 {
		return false, nil
	}

	s.logger.Info("Redis set is empty, warming up from DB", zap.Int("count", len(ids)))
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := s.rdb.SAdd(ctx, s.redisKey, members...).Err(); err != nil {
		return false, fmt.Errorf("redis: failed to warm up %s: %w", s.name, err)
	}
	return true, nil
}

func (s *StateSet) replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	s.mu.Lock()
	s.items = next
	s.mu.Unlock()
}

// StartListener подписывается на изменения в реальном времени. Блокирует до отмены ctx.
// После обрыва подписки набор пересинхронизируется: сообщения за время разрыва потеряны.
func (s *StateSet) StartListener(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	for ctx.Err() == nil {
		pubsub := s.rdb.Subscribe(ctx, s.channel)
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("failed to subscribe", zap.String("chan", s.channel), zap.Error(err))
			if !sleepCtx(ctx, subscribeBackoff) {
				return
			}
			continue
		}

		if err := s.Init(ctx); err != nil {
			s.logger.Error("sync failed on reconnect", zap.Error(err))
		}
		s.consume(ctx, pubsub.Channel())
		_ = pubsub.Close()

		if !sleepCtx(ctx, resubscribeDelay) {
			return
		}
	}
}

// consume применяет сигналы, пока канал открыт и контекст жив.
func (s *StateSet) consume(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			id, on, valid := infra.ParseStateSignal(msg.Payload)
			if !valid {
				s.logger.Error("invalid signal format", zap.String("payload", msg.Payload))
				continue
			}
			s.Apply(id, on)
		}
	}
}

// Apply меняет только локальную копию. Распространение по инстансам: через Publish.
func (s *StateSet) Apply(id string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.items[id] = struct{}{}
	} else {
		delete(s.items, id)
	}
}

// Publish записывает изменение в Redis и рассылает сигнал остальным инстансам.
// Локальная копия обновляется сразу, не дожидаясь своего же сообщения.
func (s *StateSet) Publish(ctx context.Context, id string, on bool) error {
	s.Apply(id, on)
	if s.rdb == nil {
		return nil
	}

	pipe := s.rdb.TxPipeline()
	if on {
		pipe.SAdd(ctx, s.redisKey, id)
	} else {
		pipe.SRem(ctx, s.redisKey, id)
	}
	pipe.Publish(ctx, s.channel, infra.StateSignal(id, on))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: failed to publish %s update: %w", s.name, err)
	}
	s.logger.Info("state published", zap.String("id", id), zap.Bool("on", on))
	return nil
}

// Contains: проверка в hot path, только RAM.
func (s *StateSet) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[id]
	return ok
}

func (s *StateSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
