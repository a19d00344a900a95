package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xela07ax/agentbank-core/internal/api/server"
	"github.com/xela07ax/agentbank-core/internal/api/service"
	"github.com/xela07ax/agentbank-core/internal/audit"
	"github.com/xela07ax/agentbank-core/internal/budget"
	"github.com/xela07ax/agentbank-core/internal/crypto"
	"github.com/xela07ax/agentbank-core/internal/domain"
	"github.com/xela07ax/agentbank-core/internal/engine"
	"github.com/xela07ax/agentbank-core/internal/escrow"
	"github.com/xela07ax/agentbank-core/internal/identity"
	"github.com/xela07ax/agentbank-core/internal/infra"
	"github.com/xela07ax/agentbank-core/internal/infra/auth"
	"github.com/xela07ax/agentbank-core/internal/infra/keylock"
	"github.com/xela07ax/agentbank-core/internal/issuer"
	"github.com/xela07ax/agentbank-core/internal/ledger"
	"github.com/xela07ax/agentbank-core/internal/permit"
	"github.com/xela07ax/agentbank-core/internal/proposer"
	"github.com/xela07ax/agentbank-core/internal/receipt"
	kafkasink "github.com/xela07ax/agentbank-core/internal/repository/kafka"
)

func main() {
	// .env необязателен: в контейнере переменные приходят из окружения
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("bankd stopped with error", zap.Error(err))
	}
	logger.Info("bankd exited properly")
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст жизненного цикла фоновых горутин: SIGTERM отменяет слушателей и sweeper
	appCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 1. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := infra.NewMetrics(reg)

	// 2. Ключи ролей
	signers, trust, err := roleSigners(cfg.Keys, logger)
	if err != nil {
		return err
	}

	// 3. Хранилища и Redis
	st, err := openStores(appCtx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer st.close()

	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(appCtx).Err(); err != nil {
			// Без Redis инстанс работает на локальных наборах; синхронизация восстановится слушателем
			logger.Warn("redis is unavailable at startup", zap.Error(err))
		}
	}

	// 4. Журнал решений: лог + Postgres + Kafka
	sinks := audit.MultiStorage{audit.NewLoggerStorage(logger)}
	if st.audit != nil {
		sinks = append(sinks, st.audit)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		sink := kafkasink.NewJournalSink(kafkasink.NewWriter(kafkasink.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		}, logger))
		defer sink.Close()
		sinks = append(sinks, sink)
	}
	journal := audit.NewJournal(sinks, audit.Options{
		BufferSize:    cfg.Journal.BufferSize,
		BatchSize:     cfg.Journal.BatchSize,
		FlushInterval: cfg.Journal.FlushInterval,
	}, metrics, logger)
	journal.Start()
	defer journal.Stop()

	// 5. Control plane: kill-switch и список отзыва
	frozen := engine.NewFrozenAgents(st.frozenSource(), rdb, logger)
	revoked := engine.NewRevokedPermits(st.revokedSource(), rdb, logger)
	for _, set := range []*engine.StateSet{frozen, revoked} {
		if err := set.Init(appCtx); err != nil {
			return fmt.Errorf("init state set: %w", err)
		}
		go set.StartListener(appCtx)
	}

	// 6. Ядро
	asset := domain.AssetID(cfg.Ledger.Asset)
	locks := keylock.New()
	ids := identity.NewRegistry(st.identities, logger, identity.WithReservedIDs(cfg.Ledger.HoldingAccount))
	if err := ids.Refresh(appCtx); err != nil {
		return err
	}
	l := ledger.New(st.ledger, logger, ledger.WithMetrics(metrics), ledger.WithLocker(locks))
	budgets := budget.NewRegistry(st.budgets, logger, budget.WithMaxDepth(cfg.Gate.MaxBudgetDepth))
	permits := permit.NewService(st.permits, ids, logger, permit.WithRevocations(revoked))

	gate := engine.NewCommitmentGate(engine.GateDeps{
		Permits:     permits,
		Budgets:     budgets,
		Ledger:      l,
		Identities:  ids,
		Commitments: st.commitments,
		Receipts:    st.receipts,
		Signer:      signers[domain.RoleGate],
	}, logger,
		engine.WithFrozenAgents(frozen),
		engine.WithJournal(journal),
		engine.WithGateMetrics(metrics),
		engine.WithLockTimeout(cfg.Gate.LockTimeout),
		engine.WithGateLocker(locks),
		engine.WithReservedAccounts(cfg.Ledger.HoldingAccount),
	)

	escrows := escrow.NewService(st.escrows, l, st.receipts, signers[domain.RoleEscrow], logger,
		escrow.WithHoldingAccount(cfg.Ledger.HoldingAccount),
		escrow.WithDefaultTimeout(cfg.Escrow.DefaultTimeout),
		escrow.WithJournal(journal),
		escrow.WithRedis(rdb),
		escrow.WithMetrics(metrics),
	)
	go escrows.RunSweeper(appCtx, cfg.Escrow.SweepInterval)

	iss, err := issuer.New(appCtx, issuer.Config{
		IssuerID:      cfg.Issuer.ID,
		Asset:         asset,
		ReserveCap:    domain.Amount(cfg.Issuer.ReserveCap),
		MaxSingleMint: domain.Amount(cfg.Issuer.MaxSingleMint),
		MaxSingleBurn: domain.Amount(cfg.Issuer.MaxSingleBurn),
	}, l, st.receipts, st.issuer, signers[domain.RoleIssuer], logger,
		issuer.WithJournal(journal),
		issuer.WithMetrics(metrics),
		issuer.WithReservedAccounts(cfg.Ledger.HoldingAccount),
	)
	if err != nil {
		return err
	}

	// 7. API
	var control service.ControlStore
	if st.control != nil {
		control = st.control
	}
	bank := service.NewBank(service.Deps{
		Gate:          gate,
		Ledger:        l,
		Escrow:        escrows,
		Issuer:        iss,
		Permits:       permits,
		Budgets:       budgets,
		Identities:    ids,
		Receipts:      st.receipts,
		Verifier:      receipt.NewVerifier(trust, receipt.WithMaxSkew(cfg.Gate.ClockSkew)),
		Proposer:      newProposer(cfg.Proposer, metrics, logger),
		Frozen:        frozen,
		Revoked:       revoked,
		Control:       control,
		Asset:         asset,
		RetryAttempts: cfg.Gate.RetryAttempts,
	}, logger)

	opts := server.Options{Decimals: cfg.Ledger.Decimals}
	if cfg.Auth.Enabled {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return err
		}
		opts.Validator = auth.NewBaseValidator(pub, cfg.Auth.Issuer)
	} else {
		logger.Warn("auth is disabled: every caller may act as any identity")
	}
	if cfg.Metrics.Enabled {
		opts.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		opts.MetricsPath = cfg.Metrics.Path
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.New(bank, opts, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 8. gRPC health для оркестратора
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	if cfg.GRPC.Port > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			return fmt.Errorf("failed to listen gRPC: %w", err)
		}
		go func() {
			logger.Info("gRPC health server started", zap.Int("port", cfg.GRPC.Port))
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Error("gRPC server failed", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bankd started", zap.String("addr", srv.Addr), zap.String("asset", string(asset)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// 9. Graceful shutdown
	select {
	case <-appCtx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("bankd stopping...")
	healthSrv.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	return nil
}

// roleSigners выводит ключи issuer/gate/escrow из мастер-сида. Без сида: эфемерные ключи (только разработка).
func roleSigners(cfg infra.KeysConfig, logger *zap.Logger) (map[domain.Role]*receipt.Signer, *receipt.TrustStore, error) {
	seed := cfg.MasterSeed
	if len(seed) == 0 {
		logger.Warn("keys.master_seed is not set, generating an ephemeral seed: receipts will not verify after restart")
		seed = make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, nil, fmt.Errorf("generate seed: %w", err)
		}
	}

	signers := make(map[domain.Role]*receipt.Signer, 3)
	trust := receipt.NewTrustStore()
	for _, role := range []domain.Role{domain.RoleIssuer, domain.RoleGate, domain.RoleEscrow} {
		kp, err := crypto.DeriveKeyPair(seed, string(role))
		if err != nil {
			return nil, nil, err
		}
		signers[role] = receipt.NewSigner(role, kp)
		if err := trust.Trust(role, kp.PublicKeyHex()); err != nil {
			return nil, nil, err
		}
		logger.Info("role key derived", zap.String("role", string(role)), zap.String("public_key", kp.PublicKeyHex()))
	}

	// Хранилище доверия для офлайн-проверки (receiptctl)
	if cfg.TrustStorePath != "" {
		data, err := json.MarshalIndent(trust, "", "  ")
		if err != nil {
			return nil, nil, err
		}
		if err := os.WriteFile(cfg.TrustStorePath, data, 0o644); err != nil {
			return nil, nil, fmt.Errorf("write trust store: %w", err)
		}
	}
	return signers, trust, nil
}

func newProposer(cfg infra.ProposerConfig, metrics *infra.Metrics, logger *zap.Logger) proposer.Proposer {
	if cfg.Endpoint == "" {
		return proposer.NewDeterministic(nil)
	}
	remote := proposer.NewHTTPProposer(cfg.Endpoint, &http.Client{})
	return proposer.NewReliable(remote, proposer.ReliableOptions{
		Name:                   "proposer",
		RatePerSec:             cfg.RatePerSec,
		Burst:                  cfg.Burst,
		Attempts:               cfg.Attempts,
		CallTimeout:            cfg.CallTimeout,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		OpenTimeout:            cfg.OpenTimeout,
	}, metrics, logger)
}
