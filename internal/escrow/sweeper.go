package escrow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/domain"
	"github.com/xela07ax/agentbank-core/internal/infra"
)

// Sweep доводит прерванные проводки и возвращает покупателям средства всех эскроу
// с прошедшим дедлайном. Ошибка по одному эскроу не останавливает обход остальных.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	for _, e := range pending {
		if err := s.withEscrow(ctx, e.EscrowID, func(*domain.Escrow, bool) error { return nil }); err != nil {
			s.logger.Warn("failed to recover escrow posting", zap.String("escrow_id", e.EscrowID), zap.Error(err))
		}
	}

	candidates, err := s.store.ListByStatus(ctx, domain.EscrowFunded, domain.EscrowDeliveryPending, domain.EscrowExpired)
	if err != nil {
		return 0, err
	}

	now := s.now()
	refunded := 0
	for _, e := range candidates {
		if ctx.Err() != nil {
			return refunded, ctx.Err()
		}
		if !e.IsExpired(now) && e.Status != domain.EscrowExpired {
			continue
		}
		var settled bool
		err := s.withEscrow(ctx, e.EscrowID, func(cur *domain.Escrow, expired bool) error {
			settled = expired
			return nil
		})
		if err != nil {
			s.logger.Warn("failed to refund expired escrow", zap.String("escrow_id", e.EscrowID), zap.Error(err))
			continue
		}
		if settled {
			refunded++
		}
	}
	return refunded, nil
}

// RunSweeper запускает Sweep по тикеру до отмены ctx. При наличии Redis за один тик
// зачистку выполняет только один инстанс.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("escrow sweeper started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("escrow sweeper stopped")
			return
		case <-ticker.C:
			if !s.acquireSweepLock(ctx, interval) {
				continue
			}
			n, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("escrow sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("expired escrows refunded", zap.Int("count", n))
			}
		}
	}
}

func (s *Service) acquireSweepLock(ctx context.Context, ttl time.Duration) bool {
	if s.rdb == nil {
		return true
	}
	ok, err := s.rdb.SetNX(ctx, infra.RedisKeyLockSweep, "sweeping", ttl).Result()
	if err != nil {
		// Redis недоступен: зачистка идемпотентна по версиям, выполняем локально
		s.logger.Warn("sweep lock unavailable, sweeping locally", zap.Error(err))
		return true
	}
	return ok
}
