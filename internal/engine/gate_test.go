package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/budget"
	"github.com/xela07ax/agentbank-core/internal/crypto"
	"github.com/xela07ax/agentbank-core/internal/domain"
	"github.com/xela07ax/agentbank-core/internal/identity"
	"github.com/xela07ax/agentbank-core/internal/infra"
	"github.com/xela07ax/agentbank-core/internal/ledger"
	"github.com/xela07ax/agentbank-core/internal/permit"
	"github.com/xela07ax/agentbank-core/internal/receipt"
	"github.com/xela07ax/agentbank-core/internal/repository/memory"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type gateFixture struct {
	gate      *CommitmentGate
	ledger    *ledger.Ledger
	permits   *permit.Service
	budgets   *budget.Registry
	receipts  *memory.ReceiptLog
	trust     *receipt.TrustStore
	frozen    *StateSet
	revoked   *StateSet
	metrics   *infra.Metrics
	aliceKeys *crypto.KeyPair
	clock     atomic.Pointer[time.Time]
}

func (f *gateFixture) now() time.Time { return *f.clock.Load() }

func (f *gateFixture) advance(d time.Duration) {
	next := f.now().Add(d)
	f.clock.Store(&next)
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	ctx := context.Background()
	f := &gateFixture{}
	start := t0
	f.clock.Store(&start)

	ids := identity.NewRegistry(memory.NewIdentityStore(), zap.NewNop())
	var err error
	f.aliceKeys, err = crypto.GenerateKeyPair()
	require.NoError(t, err)
	_, err = ids.Register(ctx, "buyer-alice", f.aliceKeys.Public)
	require.NoError(t, err)
	for _, id := range []string{"seller-bob", "seller-carol"} {
		kp, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		_, err = ids.Register(ctx, id, kp.Public, "compute")
		require.NoError(t, err)
	}

	f.revoked = NewRevokedPermits(nil, nil, zap.NewNop())
	f.frozen = NewFrozenAgents(nil, nil, zap.NewNop())
	f.metrics = infra.NewMetrics(prometheus.NewRegistry())

	f.ledger = ledger.New(memory.NewLedgerStore(), zap.NewNop(), ledger.WithClock(f.now))
	f.budgets = budget.NewRegistry(memory.NewBudgetStore(), zap.NewNop(), budget.WithClock(f.now))
	f.permits = permit.NewService(memory.NewPermitStore(), ids, zap.NewNop(),
		permit.WithRevocations(f.revoked), permit.WithClock(f.now))
	f.receipts = memory.NewReceiptLog()

	gateKeys, err := crypto.DeriveKeyPair([]byte("0123456789abcdef0123456789abcdef"), string(domain.RoleGate))
	require.NoError(t, err)
	signer := receipt.NewSigner(domain.RoleGate, gateKeys)
	f.trust = receipt.NewTrustStore()
	require.NoError(t, f.trust.Trust(domain.RoleGate, signer.PublicKeyHex()))

	f.gate = NewCommitmentGate(GateDeps{
		Permits:     f.permits,
		Budgets:     f.budgets,
		Ledger:      f.ledger,
		Identities:  ids,
		Commitments: memory.NewCommitmentStore(),
		Receipts:    f.receipts,
		Signer:      signer,
	}, zap.NewNop(),
		WithFrozenAgents(f.frozen),
		WithGateMetrics(f.metrics),
		WithGateClock(f.now),
		WithLockTimeout(time.Second),
		WithReservedAccounts("escrow-holding"),
	)

	// Сценарий A: эмиссия покупателю
	_, err = f.ledger.Credit(ctx, "buyer-alice", domain.AssetIUSD, 50000, domain.ReasonMint, "mint-1")
	require.NoError(t, err)

	_, err = f.budgets.Create(ctx, &domain.Budget{
		BudgetID:  "budget_alice",
		Owner:     "buyer-alice",
		Asset:     domain.AssetIUSD,
		MaxTotal:  100000,
		MaxSingle: 50000,
	})
	require.NoError(t, err)

	f.registerPermit(t, "permit_bob", "budget_alice", 15000, domain.SpecificCounterparty("seller-bob"))
	return f
}

func (f *gateFixture) registerPermit(t *testing.T, id, budgetID string, max domain.Amount, cp domain.CounterpartyConstraint) {
	t.Helper()
	p := &domain.Permit{
		PermitID:     id,
		Issuer:       "buyer-alice",
		BoundBudget:  budgetID,
		AssetClass:   domain.AssetIUSD,
		MaxAmount:    max,
		Counterparty: cp,
		Purpose:      domain.SpendPurpose{Category: "compute", Description: "GPU hours"},
		ValidFrom:    t0.Add(-time.Minute),
		ExpiresAt:    t0.Add(24 * time.Hour),
	}
	require.NoError(t, permit.Sign(p, f.aliceKeys))
	_, err := f.permits.Register(context.Background(), p)
	require.NoError(t, err)
}

func intentTo(id, permitID, recipient string, amount domain.Amount) domain.PaymentIntent {
	return domain.PaymentIntent{
		IntentID:  id,
		PermitID:  permitID,
		Sender:    "buyer-alice",
		Recipient: recipient,
		Asset:     domain.AssetIUSD,
		Amount:    amount,
		Purpose:   "compute",
		CreatedAt: t0,
	}
}

func (f *gateFixture) balance(t *testing.T, owner string) domain.Amount {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), owner, domain.AssetIUSD)
	require.NoError(t, err)
	return b
}

func (f *gateFixture) remaining(t *testing.T, permitID string) domain.Amount {
	t.Helper()
	p, err := f.permits.Get(context.Background(), permitID)
	require.NoError(t, err)
	return p.Remaining
}

func TestGate_PermitScenarios(t *testing.T) {
	ctx := context.Background()
	f := newGateFixture(t)

	// B: 10000 продавцу bob проходит
	ref := &domain.ConsequenceRef{Type: "order", ReferenceID: "ord-1"}
	rcpt, ev, err := f.gate.CreateCommitment(ctx, intentTo("intent_1", "permit_bob", "seller-bob", 10000), "permit_bob", "budget_alice", ref)
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(5000), f.remaining(t, "permit_bob"))
	assert.Equal(t, domain.Amount(40000), f.balance(t, "buyer-alice"))
	assert.Equal(t, domain.Amount(10000), f.balance(t, "seller-bob"))

	assert.Equal(t, domain.ReceiptCommitment, rcpt.Kind)
	assert.Equal(t, []string{"buyer-alice", "seller-bob"}, rcpt.Parties)
	assert.Equal(t, "ord-1", rcpt.ConsequenceRef.ReferenceID)
	assert.NotEmpty(t, ev.IntentHash)
	assert.NotEmpty(t, ev.Checks)
	verifier := receipt.NewVerifier(f.trust, receipt.WithClock(f.now))
	require.NoError(t, verifier.Verify(rcpt))

	// C: на вторые 10000 остатка 5000 не хватает
	_, _, err = f.gate.CreateCommitment(ctx, intentTo("intent_2", "permit_bob", "seller-bob", 10000), "permit_bob", "budget_alice", nil)
	require.ErrorIs(t, err, domain.ErrPermitInsufficientRemaining)
	assert.Equal(t, domain.KindResource, domain.KindOf(err))
	assert.Equal(t, domain.Amount(5000), f.remaining(t, "permit_bob"))
	assert.Equal(t, domain.Amount(40000), f.balance(t, "buyer-alice"))
	assert.Equal(t, domain.Amount(10000), f.balance(t, "seller-bob"))

	// D: получатель carol не разрешен
	_, _, err = f.gate.CreateCommitment(ctx, intentTo("intent_3", "permit_bob", "seller-carol", 1000), "permit_bob", "budget_alice", nil)
	require.ErrorIs(t, err, domain.ErrCounterpartyMismatch)
	assert.Equal(t, domain.KindAuthorization, domain.KindOf(err))
	assert.Zero(t, f.balance(t, "seller-carol"))
	assert.Equal(t, domain.Amount(40000), f.balance(t, "buyer-alice"))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CommitmentsTotal.WithLabelValues("COMMITTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.GateDenials.WithLabelValues(string(domain.CodeCounterpartyMismatch))))

	chain, err := f.receipts.List(ctx, receipt.CommitmentChain("buyer-alice"))
	require.NoError(t, err)
	require.Len(t, chain, 1)
	require.NoError(t, verifier.VerifyChain(chain))

	for _, owner := range []string{"buyer-alice", "seller-bob"} {
		ok, err := f.ledger.VerifyChain(ctx, owner, domain.AssetIUSD)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestGate_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	f := newGateFixture(t)

	in := intentTo("intent_1", "permit_bob", "seller-bob", 4000)
	first, _, err := f.gate.CreateCommitment(ctx, in, "permit_bob", "budget_alice", nil)
	require.NoError(t, err)

	again, _, err := f.gate.CreateCommitment(ctx, in, "permit_bob", "budget_alice", nil)
	require.NoError(t, err)
	assert.Equal(t, first.ReceiptID, again.ReceiptID)
	assert.Equal(t, first.Signature, again.Signature)

	assert.Equal(t, domain.Amount(11000), f.remaining(t, "permit_bob"))
	assert.Equal(t, domain.Amount(46000), f.balance(t, "buyer-alice"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CommitmentsTotal.WithLabelValues("REPLAYED")))

	// тот же intent_id с другими условиями: отказ, а не повтор
	changed := in
	changed.Amount = 5000
	_, _, err = f.gate.CreateCommitment(ctx, changed, "permit_bob", "budget_alice", nil)
	assert.Equal(t, domain.CodeIntentInvalid, domain.CodeOf(err))
}

func TestGate_ConcurrentDuplicatesSpendOnce(t *testing.T) {
	ctx := context.Background()
	f := newGateFixture(t)

	var wg sync.WaitGroup
	receipts := make([]string, 20)
	for i := range receipts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, _, err := CommitWithRetry(ctx, f.gate, 5, intentTo("intent_dup", "permit_bob", "seller-bob", 3000), "permit_bob", "budget_alice", nil)
			if !assert.NoError(t, err) {
				return
			}
			receipts[i] = r.ReceiptID
		}(i)
	}
	wg.Wait()

	for _, id := range receipts {
		assert.Equal(t, receipts[0], id)
	}
	assert.Equal(t, domain.Amount(12000), f.remaining(t, "permit_bob"))
	assert.Equal(t, domain.Amount(3000), f.balance(t, "seller-bob"))
}

func TestGate_ConcurrentIntentsNeverOverspendPermit(t *testing.T) {
	ctx := context.Background()
	f := newGateFixture(t)

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := intentTo(fmt.Sprintf("intent_%d", i), "permit_bob", "seller-bob", 4000)
			if _, _, err := f.gate.CreateCommitment(ctx, in, "permit_bob", "budget_alice", nil); err == nil {
				ok.Add(1)
			} else {
				assert.ErrorIs(t, err, domain.ErrPermitInsufficientRemaining)
			}
		}(i)
	}
	wg.Wait()

	// 15000 / 4000 -> ровно три успешных траты
	assert.Equal(t, int32(3), ok.Load())
	assert.Equal(t, domain.Amount(3000), f.remaining(t, "permit_bob"))
	assert.Equal(t, domain.Amount(12000), f.balance(t, "seller-bob"))
	assert.Equal(t, domain.Amount(38000), f.balance(t, "buyer-alice"))
}

func TestGate_AncestorBudgetRejects(t *testing.T) {
	ctx := context.Background()
	f := newGateFixture(t)

	_, err := f.budgets.Create(ctx, &domain.Budget{BudgetID: "team", Owner: "buyer-alice", Asset: domain.AssetIUSD, MaxTotal: 2000, MaxSingle: 2000})
	require.NoError(t, err)
	_, err = f.budgets.Create(ctx, &domain.Budget{BudgetID: "agent", Owner: "buyer-alice", Asset: domain.AssetIUSD, MaxTotal: 10000, MaxSingle: 10000, ParentID: "team"})
	require.NoError(t, err)
	f.registerPermit(t, "permit_team", "agent", 10000, domain.AnyCounterparty())

	_, _, err = f.gate.CreateCommitment(ctx, intentTo("intent_1", "permit_team", "seller-bob", 2500), "permit_team", "agent", nil)
	require.ErrorIs(t, err, domain.ErrBudgetExceeded)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 1, de.Details["level"])
	assert.Equal(t, domain.Amount(10000), f.remaining(t, "permit_team"))

	_, _, err = f.gate.CreateCommitment(ctx, intentTo("intent_2", "permit_team", "seller-bob", 2000), "permit_team", "agent", nil)
	require.NoError(t, err)

	team, err := f.budgets.Get(ctx, "team")
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(2000), team.SpentTotal)
}

func TestGate_VelocityWindow(t *testing.T) {
	ctx := context.Background()
	f := newGateFixture(t)

	_, err := f.budgets.Create(ctx, &domain.Budget{
		BudgetID:  "fast",
		Owner:     "buyer-alice",
		Asset:     domain.AssetIUSD,
		MaxTotal:  100000,
		MaxSingle: 10000,
		Velocity:  []domain.VelocityWindow{{Name: "hourly", Duration: time.Hour, Limit: 5000}},
	})
	require.NoError(t, err)
	f.registerPermit(t, "permit_fast", "fast", 20000, domain.AnyCounterparty())

	_, _, err = f.gate.CreateCommitment(ctx, intentTo("intent_1", "permit_fast", "seller-bob", 4000), "permit_fast", "fast", nil)
	require.NoError(t, err)
	_, _, err = f.gate.CreateCommitment(ctx, intentTo("intent_2", "permit_fast", "seller-bob", 2000), "permit_fast", "fast", nil)
	require.ErrorIs(t, err, domain.ErrVelocityExceeded)

	f.advance(time.Hour)
	_, _, err = f.gate.CreateCommitment(ctx, intentTo("intent_3", "permit_fast", "seller-bob", 2000), "permit_fast", "fast", nil)
	require.NoError(t, err)
}

func TestGate_Denials(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		prepare func(t *testing.T, f *gateFixture)
		intent  domain.PaymentIntent
		permit  string
		budget  string
		code    domain.Code
	}{
		{
			name:   "structural",
			intent: intentTo("intent_x", "permit_bob", "buyer-alice", 10),
			permit: "permit_bob", budget: "budget_alice",
			code: domain.CodeIntentInvalid,
		},
		{
			name:   "holding account as recipient",
			intent: intentTo("intent_x", "permit_bob", "escrow-holding", 10),
			permit: "permit_bob", budget: "budget_alice",
			code: domain.CodeReservedAccount,
		},
		{
			name: "holding account as sender",
			intent: func() domain.PaymentIntent {
				in := intentTo("intent_x", "permit_bob", "seller-bob", 10)
				in.Sender = "escrow-holding"
				return in
			}(),
			permit: "permit_bob", budget: "budget_alice",
			code: domain.CodeReservedAccount,
		},
		{
			name:   "intent bound to another permit",
			intent: intentTo("intent_x", "permit_other", "seller-bob", 10),
			permit: "permit_bob", budget: "budget_alice",
			code: domain.CodeIntentPermitMismatch,
		},
		{
			name:   "permit not found",
			intent: intentTo("intent_x", "permit_ghost", "seller-bob", 10),
			permit: "permit_ghost", budget: "budget_alice",
			code: domain.CodePermitNotFound,
		},
		{
			name:   "budget not found",
			intent: intentTo("intent_x", "permit_bob", "seller-bob", 10),
			permit: "permit_bob", budget: "budget_ghost",
			code: domain.CodeBudgetNotFound,
		},
		{
			name: "wrong budget",
			prepare: func(t *testing.T, f *gateFixture) {
				_, err := f.budgets.Create(ctx, &domain.Budget{BudgetID: "other", Owner: "buyer-alice", Asset: domain.AssetIUSD, MaxTotal: 10, MaxSingle: 10})
				require.NoError(t, err)
			},
			intent: intentTo("intent_x", "permit_bob", "seller-bob", 10),
			permit: "permit_bob", budget: "other",
			code: domain.CodePermitBudgetMismatch,
		},
		{
			name: "asset mismatch",
			intent: func() domain.PaymentIntent {
				in := intentTo("intent_x", "permit_bob", "seller-bob", 10)
				in.Asset = "EURC"
				return in
			}(),
			permit: "permit_bob", budget: "budget_alice",
			code: domain.CodeAssetMismatch,
		},
		{
			name:    "frozen agent",
			prepare: func(t *testing.T, f *gateFixture) { f.frozen.Apply("buyer-alice", true) },
			intent:  intentTo("intent_x", "permit_bob", "seller-bob", 10),
			permit:  "permit_bob", budget: "budget_alice",
			code: domain.CodeAgentFrozen,
		},
		{
			name:    "revoked permit",
			prepare: func(t *testing.T, f *gateFixture) { f.revoked.Apply("permit_bob", true) },
			intent:  intentTo("intent_x", "permit_bob", "seller-bob", 10),
			permit:  "permit_bob", budget: "budget_alice",
			code: domain.CodePermitRevoked,
		},
		{
			name:    "expired permit",
			prepare: func(t *testing.T, f *gateFixture) { f.advance(48 * time.Hour) },
			intent:  intentTo("intent_x", "permit_bob", "seller-bob", 10),
			permit:  "permit_bob", budget: "budget_alice",
			code: domain.CodePermitExpired,
		},
		{
			name: "insufficient balance",
			prepare: func(t *testing.T, f *gateFixture) {
				_, err := f.ledger.Transfer(ctx, "buyer-alice", "seller-carol", domain.AssetIUSD, 45000, domain.ReasonTransfer, "drain")
				require.NoError(t, err)
			},
			intent: intentTo("intent_x", "permit_bob", "seller-bob", 6000),
			permit: "permit_bob", budget: "budget_alice",
			code: domain.CodeInsufficientBalance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGateFixture(t)
			if tt.prepare != nil {
				tt.prepare(t, f)
			}
			before := f.balance(t, "buyer-alice")

			_, _, err := f.gate.CreateCommitment(ctx, tt.intent, tt.permit, tt.budget, nil)
			require.Error(t, err)
			assert.Equal(t, tt.code, domain.CodeOf(err))

			assert.Equal(t, before, f.balance(t, "buyer-alice"))
			assert.Equal(t, domain.Amount(15000), f.remaining(t, "permit_bob"))
		})
	}
}

func TestGate_LockTimeoutIsRetryable(t *testing.T) {
	ctx := context.Background()
	f := newGateFixture(t)
	f.gate.lockTimeout = 20 * time.Millisecond

	unlock, err := f.gate.locks.Lock(ctx, "permit:permit_bob")
	require.NoError(t, err)
	defer unlock()

	_, _, err = f.gate.CreateCommitment(ctx, intentTo("intent_1", "permit_bob", "seller-bob", 10), "permit_bob", "budget_alice", nil)
	require.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, domain.Amount(15000), f.remaining(t, "permit_bob"))
}

// failingAppends отказывает в записи квитанции, пока fail выставлен.
type failingAppends struct {
	*memory.ReceiptLog
	fail atomic.Bool
}

func (l *failingAppends) Append(ctx context.Context, chain string, r domain.Receipt, expectedHead string) error {
	if l.fail.Load() {
		return fmt.Errorf("receipt store unavailable")
	}
	return l.ReceiptLog.Append(ctx, chain, r, expectedHead)
}

func TestGate_LostReceiptIsChainedBeforeNextCommitment(t *testing.T) {
	ctx := context.Background()
	f := newGateFixture(t)
	log := &failingAppends{ReceiptLog: f.receipts}
	f.gate.Receipts = log

	log.fail.Store(true)
	lost, _, err := f.gate.CreateCommitment(ctx, intentTo("intent_1", "permit_bob", "seller-bob", 1000), "permit_bob", "budget_alice", nil)
	require.Error(t, err)
	assert.Equal(t, domain.CodeReceiptPersistFail, domain.CodeOf(err))
	require.NotNil(t, lost)
	assert.Equal(t, domain.Amount(1000), f.balance(t, "seller-bob"))

	log.fail.Store(false)
	next, _, err := f.gate.CreateCommitment(ctx, intentTo("intent_2", "permit_bob", "seller-bob", 2000), "permit_bob", "budget_alice", nil)
	require.NoError(t, err)

	lostHash, err := receipt.Hash(lost)
	require.NoError(t, err)
	assert.Equal(t, lostHash, next.PreviousReceiptHash)
	assert.NotEqual(t, lost.PreviousReceiptHash, next.PreviousReceiptHash)

	chain, err := f.receipts.List(ctx, receipt.CommitmentChain("buyer-alice"))
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, lost.ReceiptID, chain[0].ReceiptID)
	assert.Equal(t, next.ReceiptID, chain[1].ReceiptID)
	require.NoError(t, receipt.NewVerifier(f.trust, receipt.WithClock(f.now)).VerifyChain(chain))
}
