package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/audit"
	"github.com/xela07ax/agentbank-core/internal/budget"
	"github.com/xela07ax/agentbank-core/internal/engine"
	"github.com/xela07ax/agentbank-core/internal/escrow"
	"github.com/xela07ax/agentbank-core/internal/identity"
	"github.com/xela07ax/agentbank-core/internal/infra"
	"github.com/xela07ax/agentbank-core/internal/issuer"
	"github.com/xela07ax/agentbank-core/internal/ledger"
	"github.com/xela07ax/agentbank-core/internal/permit"
	"github.com/xela07ax/agentbank-core/internal/receipt"
	"github.com/xela07ax/agentbank-core/internal/repository/memory"
	"github.com/xela07ax/agentbank-core/internal/repository/postgres"
)

// stores — набор хранилищ ядра. Postgres, если задан database.url, иначе память процесса.
type stores struct {
	ledger      ledger.Store
	budgets     budget.Store
	permits     permit.Store
	escrows     escrow.Store
	identities  identity.Repository
	commitments engine.CommitmentStore
	receipts    receipt.Log
	issuer      issuer.StateStore

	// Только для Postgres
	control *postgres.ControlRepo
	audit   audit.StorageInterface
	close   func()
}

func openStores(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (*stores, error) {
	if cfg.URL == "" {
		logger.Warn("database.url is empty, using in-memory stores: state is lost on restart")
		return &stores{
			ledger:      memory.NewLedgerStore(),
			budgets:     memory.NewBudgetStore(),
			permits:     memory.NewPermitStore(),
			escrows:     memory.NewEscrowStore(),
			identities:  memory.NewIdentityStore(),
			commitments: memory.NewCommitmentStore(),
			receipts:    memory.NewReceiptLog(),
			issuer:      memory.NewIssuerStateStore(),
			close:       func() {},
		}, nil
	}

	pool, err := postgres.Connect(ctx, postgres.PoolConfig{
		DSN:             cfg.URL,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
		ConnectAttempts: cfg.ConnectAttempts,
	}, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Migrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return &stores{
		ledger:      postgres.NewLedgerRepo(pool),
		budgets:     postgres.NewBudgetRepo(pool),
		permits:     postgres.NewPermitRepo(pool),
		escrows:     postgres.NewEscrowRepo(pool),
		identities:  postgres.NewIdentityRepo(pool),
		commitments: postgres.NewCommitmentRepo(pool),
		receipts:    postgres.NewReceiptRepo(pool),
		issuer:      postgres.NewIssuerStateRepo(pool),
		control:     postgres.NewControlRepo(pool),
		audit:       postgres.NewAuditRepo(pool),
		close:       pool.Close,
	}, nil
}

// frozenSource / revokedSource: авторитетный источник для прогрева наборов состояния.
func (s *stores) frozenSource() engine.StateProvider {
	if s.control == nil {
		return nil
	}
	return s.control.FrozenAgents
}

func (s *stores) revokedSource() engine.StateProvider {
	if s.control == nil {
		return nil
	}
	return s.control.RevokedPermits
}
