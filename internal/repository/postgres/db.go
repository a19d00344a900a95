// Package postgres: долговременные хранилища ядра на PostgreSQL (pgx/pgxpool).
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/domain"
)

//go:embed schema.sql
var schema string

type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	ConnectAttempts int
	RetryDelay      time.Duration
}

// Connect открывает пул и ждет, пока база станет доступна (контейнер БД может подниматься дольше сервиса).
func Connect(ctx context.Context, cfg PoolConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	attempts := uint(max(cfg.ConnectAttempts, 1))
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}

	var (
		pool    *pgxpool.Pool
		attempt int
	)
	err = retry.New(
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.LastErrorOnly(true),
	).Do(func() error {
		attempt++
		p, err := pgxpool.NewWithConfig(ctx, pcfg)
		if err == nil {
			if err = p.Ping(ctx); err == nil {
				pool = p
				return nil
			}
			p.Close()
		}
		logger.Warn("postgres is not ready", zap.Int("attempt", attempt), zap.Error(err))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to connect after %d attempts: %w", attempt, err)
	}
	logger.Info("connected to postgres", zap.Int("attempt", attempt))
	return pool, nil
}

// Migrate применяет схему. Все выражения идемпотентны.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: failed to apply schema: %w", err)
	}
	return nil
}

// Суммы хранятся как NUMERIC(20,0): uint64 не помещается в BIGINT.
func amountArg(a domain.Amount) string { return strconv.FormatUint(uint64(a), 10) }

func parseAmount(s string) (domain.Amount, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("postgres: bad amount %q: %w", s, err)
	}
	return domain.Amount(v), nil
}
