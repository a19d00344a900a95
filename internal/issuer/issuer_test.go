package issuer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/crypto"
	"github.com/xela07ax/agentbank-core/internal/domain"
	"github.com/xela07ax/agentbank-core/internal/infra"
	"github.com/xela07ax/agentbank-core/internal/ledger"
	"github.com/xela07ax/agentbank-core/internal/receipt"
	"github.com/xela07ax/agentbank-core/internal/repository/memory"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	issuer  *Issuer
	ledger  *ledger.Ledger
	store   *memory.LedgerStore
	log     *memory.ReceiptLog
	state   *memory.IssuerStateStore
	signer  *receipt.Signer
	trust   *receipt.TrustStore
	metrics *infra.Metrics
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	f := &fixture{
		store:   memory.NewLedgerStore(),
		log:     memory.NewReceiptLog(),
		state:   memory.NewIssuerStateStore(),
		signer:  receipt.NewSigner(domain.RoleIssuer, kp),
		trust:   receipt.NewTrustStore(),
		metrics: infra.NewMetrics(prometheus.NewRegistry()),
	}
	require.NoError(t, f.trust.Trust(domain.RoleIssuer, f.signer.PublicKeyHex()))
	clock := func() time.Time { return t0 }
	f.ledger = ledger.New(f.store, zap.NewNop(), ledger.WithClock(clock))
	f.issuer, err = New(context.Background(), cfg, f.ledger, f.log, f.state, f.signer, zap.NewNop(),
		WithClock(clock), WithMetrics(f.metrics), WithReservedAccounts("escrow-holding"))
	require.NoError(t, err)
	return f
}

// replica: второй экземпляр эмитента на тех же хранилищах.
func (f *fixture) replica(t *testing.T, cfg Config) *Issuer {
	t.Helper()
	i, err := New(context.Background(), cfg, f.ledger, f.log, f.state, f.signer, zap.NewNop(),
		WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	return i
}

func supplyOf(t *testing.T, i *Issuer) domain.Amount {
	t.Helper()
	s, err := i.Supply(context.Background())
	require.NoError(t, err)
	return s
}

func statusOf(t *testing.T, i *Issuer) Status {
	t.Helper()
	st, err := i.Status(context.Background())
	require.NoError(t, err)
	return st
}

func defaultConfig() Config {
	return Config{IssuerID: "issuer-iusd", Asset: domain.AssetIUSD, ReserveCap: 100000}
}

func TestMint_CreditsAccountAndSignsReceipt(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	r, err := f.issuer.Mint(ctx, "buyer-alice", 50000, "initial funding")
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiptIssuer, r.Kind)
	assert.Equal(t, "mint", r.Operation)
	assert.Equal(t, "initial funding", r.Reason)

	bal, err := f.ledger.Balance(ctx, "buyer-alice", domain.AssetIUSD)
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(50000), bal)
	assert.Equal(t, domain.Amount(50000), supplyOf(t, f.issuer))
	assert.Equal(t, 50000.0, testutil.ToFloat64(f.metrics.IssuerSupply.WithLabelValues("IUSD")))

	v := receipt.NewVerifier(f.trust, receipt.WithClock(func() time.Time { return t0 }))
	require.NoError(t, v.Verify(&r))

	entries, err := f.ledger.Entries(ctx, "buyer-alice", domain.AssetIUSD)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, r.ReceiptID, entries[0].CorrelationID)
}

func TestMint_ReserveCap(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	_, err := f.issuer.Mint(ctx, "buyer-alice", 60000, "")
	require.NoError(t, err)

	_, err = f.issuer.Mint(ctx, "buyer-alice", 40001, "")
	require.Error(t, err)
	assert.Equal(t, domain.CodeReserveExceeded, domain.CodeOf(err))

	// ровно до предела можно
	_, err = f.issuer.Mint(ctx, "seller-bob", 40000, "")
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(100000), supplyOf(t, f.issuer))
	assert.Equal(t, domain.Amount(0), statusOf(t, f.issuer).Remaining)
}

func TestMint_ConcurrentNeverExceedsCap(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for n := 0; n < 20; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.issuer.Mint(ctx, "buyer-alice", 7000, ""); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 14, ok)
	supply, err := f.ledger.TotalSupply(ctx, domain.AssetIUSD)
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(98000), supply)
	assert.Equal(t, supply, supplyOf(t, f.issuer))

	list, err := f.issuer.Receipts(ctx)
	require.NoError(t, err)
	v := receipt.NewVerifier(f.trust, receipt.WithClock(func() time.Time { return t0 }))
	require.NoError(t, v.VerifyChain(list))
	assert.Len(t, list, 14)
}

func TestBurn(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	_, err := f.issuer.Mint(ctx, "buyer-alice", 30000, "")
	require.NoError(t, err)

	r, err := f.issuer.Burn(ctx, "buyer-alice", 10000, "redemption")
	require.NoError(t, err)
	assert.Equal(t, "burn", r.Operation)
	assert.Equal(t, domain.Amount(20000), supplyOf(t, f.issuer))

	// погашение освобождает резерв
	_, err = f.issuer.Mint(ctx, "seller-bob", 80000, "")
	require.NoError(t, err)

	_, err = f.issuer.Burn(ctx, "seller-bob", 80001, "")
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, domain.Amount(100000), supplyOf(t, f.issuer))
}

func TestPolicyAndHalt(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxSingleMint = 5000
	cfg.MaxSingleBurn = 1000
	f := newFixture(t, cfg)
	ctx := context.Background()

	_, err := f.issuer.Mint(ctx, "buyer-alice", 5001, "")
	assert.Equal(t, domain.CodeIssuancePolicy, domain.CodeOf(err))

	_, err = f.issuer.Mint(ctx, "buyer-alice", 0, "")
	assert.Equal(t, domain.CodeInvalidAmount, domain.CodeOf(err))

	_, err = f.issuer.Mint(ctx, "buyer-alice", 5000, "")
	require.NoError(t, err)

	_, err = f.issuer.Burn(ctx, "buyer-alice", 1001, "")
	assert.Equal(t, domain.CodeIssuancePolicy, domain.CodeOf(err))

	require.NoError(t, f.issuer.Halt(ctx, "reserve review"))
	_, err = f.issuer.Mint(ctx, "buyer-alice", 1, "")
	assert.Equal(t, domain.CodeIssuerHalted, domain.CodeOf(err))
	_, err = f.issuer.Burn(ctx, "buyer-alice", 1, "")
	assert.Equal(t, domain.CodeIssuerHalted, domain.CodeOf(err))
	assert.True(t, statusOf(t, f.issuer).Halted)

	require.NoError(t, f.issuer.Resume(ctx))
	_, err = f.issuer.Mint(ctx, "buyer-alice", 1, "")
	require.NoError(t, err)
}

func TestAttest(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	_, err := f.issuer.Mint(ctx, "buyer-alice", 60000, "")
	require.NoError(t, err)

	_, err = f.issuer.Attest(ctx, 59999, "auditor")
	assert.Equal(t, domain.CodeReserveExceeded, domain.CodeOf(err))

	a, err := f.issuer.Attest(ctx, 200000, "auditor")
	require.NoError(t, err)
	assert.NotEmpty(t, a.Hash)

	_, err = f.issuer.Mint(ctx, "buyer-alice", 140000, "")
	require.NoError(t, err)

	st := statusOf(t, f.issuer)
	assert.Equal(t, domain.Amount(200000), st.ReserveCap)
	require.NotNil(t, st.LastAttestation)
	assert.Equal(t, "auditor", st.LastAttestation.Attestor)
}

func TestNew_RecoversSupplyFromLedger(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	_, err := f.issuer.Mint(ctx, "buyer-alice", 25000, "")
	require.NoError(t, err)
	_, err = f.ledger.Transfer(ctx, "buyer-alice", "seller-bob", domain.AssetIUSD, 5000, domain.ReasonTransfer, "t-1")
	require.NoError(t, err)

	// новое хранилище состояния: первый запуск после переноса, эмиссия берется из леджера
	restarted, err := New(ctx, defaultConfig(), f.ledger, f.log, memory.NewIssuerStateStore(), f.signer, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(25000), supplyOf(t, restarted))

	// цепочка продолжается после перезапуска
	_, err = restarted.Mint(ctx, "seller-bob", 1000, "")
	require.NoError(t, err)
	list, err := restarted.Receipts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	prev, err := receipt.Hash(&list[0])
	require.NoError(t, err)
	assert.Equal(t, prev, list[1].PreviousReceiptHash)
}

func TestMint_ReplicasShareReserve(t *testing.T) {
	f := newFixture(t, defaultConfig())
	other := f.replica(t, defaultConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for n := 0; n < 20; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			i := f.issuer
			if n%2 == 1 {
				i = other
			}
			if _, err := i.Mint(ctx, "buyer-alice", 9000, ""); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else {
				assert.Equal(t, domain.CodeReserveExceeded, domain.CodeOf(err))
			}
		}(n)
	}
	wg.Wait()

	assert.Equal(t, 11, ok)
	total, err := f.ledger.TotalSupply(ctx, domain.AssetIUSD)
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(99000), total)
	assert.Equal(t, total, supplyOf(t, f.issuer))
	assert.Equal(t, total, supplyOf(t, other))

	list, err := f.issuer.Receipts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 11)
	v := receipt.NewVerifier(f.trust, receipt.WithClock(func() time.Time { return t0 }))
	require.NoError(t, v.VerifyChain(list))
}

func TestAttest_SurvivesRestartAndHaltIsShared(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	a, err := f.issuer.Attest(ctx, 250000, "auditor")
	require.NoError(t, err)
	require.NoError(t, f.issuer.Halt(ctx, "reserve review"))

	// конфигурация после перезапуска все еще говорит 100000
	restarted := f.replica(t, defaultConfig())
	st := statusOf(t, restarted)
	assert.Equal(t, domain.Amount(250000), st.ReserveCap)
	require.NotNil(t, st.LastAttestation)
	assert.Equal(t, a.Hash, st.LastAttestation.Hash)
	assert.True(t, st.Halted)

	_, err = restarted.Mint(ctx, "buyer-alice", 1, "")
	assert.Equal(t, domain.CodeIssuerHalted, domain.CodeOf(err))

	require.NoError(t, restarted.Resume(ctx))
	_, err = f.issuer.Mint(ctx, "buyer-alice", 200000, "")
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(50000), statusOf(t, restarted).Remaining)
}

func TestMintBurn_ReservedAccountRejected(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	_, err := f.issuer.Mint(ctx, "escrow-holding", 1000, "")
	require.ErrorIs(t, err, domain.ErrReservedAccount)
	_, err = f.issuer.Burn(ctx, "escrow-holding", 1000, "")
	require.ErrorIs(t, err, domain.ErrReservedAccount)

	assert.Zero(t, supplyOf(t, f.issuer))
	bal, err := f.ledger.Balance(ctx, "escrow-holding", domain.AssetIUSD)
	require.NoError(t, err)
	assert.Zero(t, bal)
}
