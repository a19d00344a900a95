package escrow

import (
	"context"
	"errors"
	"sync/atomic"
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
	svc      *Service
	store    Store
	ledger   *ledger.Ledger
	receipts *memory.ReceiptLog
	trust    *receipt.TrustStore
	metrics  *infra.Metrics
	clock    atomic.Pointer[time.Time]
}

func (f *fixture) now() time.Time { return *f.clock.Load() }

func (f *fixture) advance(d time.Duration) {
	next := f.now().Add(d)
	f.clock.Store(&next)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, memory.NewEscrowStore(), memory.NewLedgerStore())
}

func newFixtureWith(t *testing.T, store Store, ledgerStore ledger.Store) *fixture {
	t.Helper()
	f := &fixture{}
	start := t0
	f.clock.Store(&start)

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	signer := receipt.NewSigner(domain.RoleEscrow, kp)
	f.trust = receipt.NewTrustStore()
	require.NoError(t, f.trust.Trust(domain.RoleEscrow, signer.PublicKeyHex()))

	f.metrics = infra.NewMetrics(prometheus.NewRegistry())
	f.store = store
	f.receipts = memory.NewReceiptLog()
	f.ledger = ledger.New(ledgerStore, zap.NewNop(), ledger.WithClock(f.now))
	f.svc = NewService(f.store, f.ledger, f.receipts, signer, zap.NewNop(),
		WithClock(f.now),
		WithMetrics(f.metrics))

	_, err = f.ledger.Credit(context.Background(), "buyer-alice", domain.AssetIUSD, 100000, domain.ReasonMint, "mint-1")
	require.NoError(t, err)
	return f
}

func (f *fixture) create(t *testing.T, amount domain.Amount) *domain.Escrow {
	t.Helper()
	e, err := f.svc.Create(context.Background(), CreateParams{
		Buyer:   "buyer-alice",
		Seller:  "seller-bob",
		Arbiter: "arbiter-dave",
		Amount:  amount,
		Asset:   domain.AssetIUSD,
		Conditions: []domain.DeliveryCondition{
			{Type: domain.ConditionServiceCompletion, ServiceID: "svc-1"},
		},
	})
	require.NoError(t, err)
	return e
}

func (f *fixture) balance(t *testing.T, owner string) domain.Amount {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), owner, domain.AssetIUSD)
	require.NoError(t, err)
	return b
}

// средства на холдинговом счете равны сумме всех эскроу, которые их держат
func (f *fixture) assertHoldingInvariant(t *testing.T) {
	t.Helper()
	list, err := f.store.ListByStatus(context.Background())
	require.NoError(t, err)
	var held domain.Amount
	for _, e := range list {
		if e.Status.HoldsFunds() {
			held += e.Amount
		}
	}
	assert.Equal(t, held, f.balance(t, DefaultHoldingAccount))
}

func (f *fixture) verifyChain(t *testing.T, escrowID string) []domain.Receipt {
	t.Helper()
	list, err := f.receipts.List(context.Background(), receipt.EscrowChain(escrowID))
	require.NoError(t, err)
	v := receipt.NewVerifier(f.trust, receipt.WithClock(f.now))
	require.NoError(t, v.VerifyChain(list))
	return list
}

func TestCreate_DefaultDeadline(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, 50000)

	assert.Equal(t, domain.EscrowCreated, e.Status)
	assert.Equal(t, t0.Add(DefaultTimeout), e.Deadline)
	assert.Equal(t, uint64(1), e.Version)
}

func TestCreate_ConfiguredDefaultTimeout(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.store, f.ledger, f.receipts, nil, zap.NewNop(),
		WithClock(f.now),
		WithDefaultTimeout(2*time.Hour))

	e, err := svc.Create(context.Background(), CreateParams{
		Buyer: "buyer-alice", Seller: "seller-bob", Arbiter: "arbiter-carol",
		Amount: 1000, Asset: domain.AssetIUSD,
	})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*time.Hour), e.Deadline)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		p    CreateParams
	}{
		{name: "same parties", p: CreateParams{Buyer: "a", Seller: "a", Arbiter: "c", Amount: 1, Asset: domain.AssetIUSD}},
		{name: "arbiter is party", p: CreateParams{Buyer: "a", Seller: "b", Arbiter: "b", Amount: 1, Asset: domain.AssetIUSD}},
		{name: "zero amount", p: CreateParams{Buyer: "a", Seller: "b", Arbiter: "c", Asset: domain.AssetIUSD}},
		{name: "past deadline", p: CreateParams{Buyer: "a", Seller: "b", Arbiter: "c", Amount: 1, Asset: domain.AssetIUSD, Deadline: t0.Add(-time.Minute)}},
		{name: "holding account", p: CreateParams{Buyer: DefaultHoldingAccount, Seller: "b", Arbiter: "c", Amount: 1, Asset: domain.AssetIUSD}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tt.p)
			require.Error(t, err)
			assert.Equal(t, domain.CodeEscrowInvalid, domain.CodeOf(err))
		})
	}
}

func TestHappyPath_Released(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.create(t, 50000)

	e, rs, err := f.svc.Fund(ctx, e.EscrowID, "buyer-alice")
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, domain.EscrowFunded, e.Status)
	assert.Equal(t, domain.Amount(50000), f.balance(t, "buyer-alice"))
	assert.Equal(t, domain.Amount(50000), f.balance(t, DefaultHoldingAccount))
	f.assertHoldingInvariant(t)

	_, _, err = f.svc.StartDelivery(ctx, e.EscrowID, "seller-bob", "sha256:proof")
	require.NoError(t, err)

	e, rs, err = f.svc.Confirm(ctx, e.EscrowID, "buyer-alice")
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, domain.EscrowReleased, e.Status)
	assert.Equal(t, string(domain.EscrowConfirmed), rs[0].ToStatus)
	assert.Equal(t, string(domain.EscrowReleased), rs[1].ToStatus)

	assert.Equal(t, domain.Amount(50000), f.balance(t, "seller-bob"))
	assert.Equal(t, domain.Amount(0), f.balance(t, DefaultHoldingAccount))
	f.assertHoldingInvariant(t)

	chain := f.verifyChain(t, e.EscrowID)
	require.Len(t, chain, 4)
	last, err := receipt.Hash(&chain[3])
	require.NoError(t, err)
	assert.Equal(t, last, e.LastReceiptHash)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EscrowTransitions.WithLabelValues("CONFIRMED", "RELEASED")))
}

func TestDeadline_RefundsBuyer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.create(t, 50000)

	_, _, err := f.svc.Fund(ctx, e.EscrowID, "buyer-alice")
	require.NoError(t, err)

	f.advance(DefaultTimeout + time.Second)

	// запрошенное действие отклоняется, но возврат уже применен
	got, _, err := f.svc.StartDelivery(ctx, e.EscrowID, "seller-bob", "late")
	require.ErrorIs(t, err, domain.ErrEscrowExpired)
	assert.Equal(t, domain.EscrowRefunded, got.Status)

	assert.Equal(t, domain.Amount(100000), f.balance(t, "buyer-alice"))
	assert.Equal(t, domain.Amount(0), f.balance(t, DefaultHoldingAccount))
	f.assertHoldingInvariant(t)

	chain := f.verifyChain(t, e.EscrowID)
	require.Len(t, chain, 3)
	assert.Equal(t, domain.TriggerDeadlinePassed, chain[1].Trigger)
	assert.Equal(t, domain.TriggerAutoRefund, chain[2].Trigger)
}

func TestDeadline_ExactBoundaryIsNotExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.create(t, 1000)

	_, _, err := f.svc.Fund(ctx, e.EscrowID, "buyer-alice")
	require.NoError(t, err)

	f.advance(DefaultTimeout)
	got, err := f.svc.Get(ctx, e.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowFunded, got.Status)
}

func TestDispute_DoesNotExpire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.create(t, 10000)

	_, _, err := f.svc.Fund(ctx, e.EscrowID, "buyer-alice")
	require.NoError(t, err)
	_, _, err = f.svc.StartDelivery(ctx, e.EscrowID, "seller-bob", "")
	require.NoError(t, err)
	_, _, err = f.svc.Dispute(ctx, e.EscrowID, "buyer-alice", "wrong data")
	require.NoError(t, err)

	f.advance(48 * time.Hour)
	n, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := f.svc.Get(ctx, e.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowDisputed, got.Status)
	assert.Equal(t, "wrong data", got.DisputeReason)
	f.assertHoldingInvariant(t)
}

func TestResolve_Rulings(t *testing.T) {
	pct := func(v uint8) *uint8 { return &v }

	tests := []struct {
		name       string
		ruling     domain.Ruling
		sellerGets domain.Amount
		buyerGets  domain.Amount
	}{
		{name: "seller wins", ruling: domain.Ruling{Winner: domain.PartySeller}, sellerGets: 10001},
		{name: "buyer wins", ruling: domain.Ruling{Winner: domain.PartyBuyer}, buyerGets: 10001},
		{name: "split rounds down for seller", ruling: domain.Ruling{SellerPercent: pct(50)}, sellerGets: 5000, buyerGets: 5001},
		{name: "zero percent", ruling: domain.Ruling{SellerPercent: pct(0)}, buyerGets: 10001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			e := f.create(t, 10001)

			_, _, err := f.svc.Fund(ctx, e.EscrowID, "buyer-alice")
			require.NoError(t, err)
			_, _, err = f.svc.StartDelivery(ctx, e.EscrowID, "seller-bob", "")
			require.NoError(t, err)
			_, _, err = f.svc.Dispute(ctx, e.EscrowID, "seller-bob", "no confirmation")
			require.NoError(t, err)

			got, rs, err := f.svc.Resolve(ctx, e.EscrowID, "arbiter-dave", tt.ruling)
			require.NoError(t, err)
			require.Len(t, rs, 1)
			assert.Equal(t, domain.EscrowResolved, got.Status)
			assert.Contains(t, rs[0].Parties, "arbiter-dave")

			assert.Equal(t, tt.sellerGets, f.balance(t, "seller-bob"))
			assert.Equal(t, domain.Amount(100000-10001)+tt.buyerGets, f.balance(t, "buyer-alice"))
			f.assertHoldingInvariant(t)
			f.verifyChain(t, e.EscrowID)
		})
	}
}

func TestResolve_InvalidRuling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.create(t, 100)
	_, _, err := f.svc.Fund(ctx, e.EscrowID, "buyer-alice")
	require.NoError(t, err)
	_, _, err = f.svc.StartDelivery(ctx, e.EscrowID, "seller-bob", "")
	require.NoError(t, err)
	_, _, err = f.svc.Dispute(ctx, e.EscrowID, "buyer-alice", "")
	require.NoError(t, err)

	over := uint8(101)
	_, _, err = f.svc.Resolve(ctx, e.EscrowID, "arbiter-dave", domain.Ruling{SellerPercent: &over})
	assert.Equal(t, domain.CodeInvalidRuling, domain.CodeOf(err))

	got, err := f.svc.Get(ctx, e.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowDisputed, got.Status)
}

func TestActorChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.create(t, 100)

	_, _, err := f.svc.Fund(ctx, e.EscrowID, "seller-bob")
	assert.Equal(t, domain.CodeNotParticipant, domain.CodeOf(err))

	_, _, err = f.svc.Fund(ctx, e.EscrowID, "buyer-alice")
	require.NoError(t, err)

	_, _, err = f.svc.StartDelivery(ctx, e.EscrowID, "buyer-alice", "")
	assert.Equal(t, domain.CodeNotParticipant, domain.CodeOf(err))

	_, _, err = f.svc.StartDelivery(ctx, e.EscrowID, "seller-bob", "")
	require.NoError(t, err)

	_, _, err = f.svc.Confirm(ctx, e.EscrowID, "seller-bob")
	assert.Equal(t, domain.CodeNotParticipant, domain.CodeOf(err))

	_, _, err = f.svc.Dispute(ctx, e.EscrowID, "arbiter-dave", "")
	assert.Equal(t, domain.CodeNotParticipant, domain.CodeOf(err))

	_, _, err = f.svc.Dispute(ctx, e.EscrowID, "buyer-alice", "")
	require.NoError(t, err)

	_, _, err = f.svc.Resolve(ctx, e.EscrowID, "buyer-alice", domain.Ruling{Winner: domain.PartyBuyer})
	assert.Equal(t, domain.CodeNotParticipant, domain.CodeOf(err))
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.create(t, 100)

	// подтверждение до финансирования
	_, _, err := f.svc.Confirm(ctx, e.EscrowID, "buyer-alice")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	// спор из FUNDED запрещен
	_, _, err = f.svc.Fund(ctx, e.EscrowID, "buyer-alice")
	require.NoError(t, err)
	_, _, err = f.svc.Dispute(ctx, e.EscrowID, "buyer-alice", "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	// повторное финансирование
	_, _, err = f.svc.Fund(ctx, e.EscrowID, "buyer-alice")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, _, err = f.svc.StartDelivery(ctx, e.EscrowID, "seller-bob", "")
	require.NoError(t, err)
	_, _, err = f.svc.Confirm(ctx, e.EscrowID, "buyer-alice")
	require.NoError(t, err)

	// терминальный статус
	_, _, err = f.svc.Dispute(ctx, e.EscrowID, "buyer-alice", "")
	require.ErrorIs(t, err, domain.ErrEscrowTerminal)
	f.assertHoldingInvariant(t)

	_, err = f.svc.Get(ctx, "escrow_missing")
	assert.Equal(t, domain.CodeEscrowNotFound, domain.CodeOf(err))
}

func TestFund_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, 200000)

	_, _, err := f.svc.Fund(context.Background(), e.EscrowID, "buyer-alice")
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	got, err := f.svc.Get(context.Background(), e.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowCreated, got.Status)
	assert.Equal(t, domain.Amount(100000), f.balance(t, "buyer-alice"))
}

func TestSweep_RefundsOnlyExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	early := f.create(t, 1000)
	_, _, err := f.svc.Fund(ctx, early.EscrowID, "buyer-alice")
	require.NoError(t, err)

	f.advance(12 * time.Hour)
	late := f.create(t, 2000)
	_, _, err = f.svc.Fund(ctx, late.EscrowID, "buyer-alice")
	require.NoError(t, err)
	unfunded := f.create(t, 3000)

	f.advance(13 * time.Hour)
	n, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.Get(ctx, early.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowRefunded, got.Status)

	got, err = f.svc.Get(ctx, late.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowFunded, got.Status)

	got, err = f.svc.Get(ctx, unfunded.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowCreated, got.Status)

	assert.Equal(t, domain.Amount(100000-2000), f.balance(t, "buyer-alice"))
	f.assertHoldingInvariant(t)

	// повторный проход ничего не делает
	n, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunSweeper_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

// flakyEscrowStore отказывает в Save, пока failOn возвращает true.
type flakyEscrowStore struct {
	*memory.EscrowStore
	failOn func(e *domain.Escrow) bool
}

func (s *flakyEscrowStore) Save(ctx context.Context, e *domain.Escrow, expected uint64) error {
	if s.failOn != nil && s.failOn(e) {
		return errors.New("escrow store unavailable")
	}
	return s.EscrowStore.Save(ctx, e, expected)
}

// flakyLedgerStore возвращает next из ближайшего Commit.
type flakyLedgerStore struct {
	*memory.LedgerStore
	next error
}

func (s *flakyLedgerStore) Commit(ctx context.Context, batch domain.LedgerBatch) error {
	if err := s.next; err != nil {
		s.next = nil
		return err
	}
	return s.LedgerStore.Commit(ctx, batch)
}

func (f *fixture) deliver(t *testing.T, amount domain.Amount) *domain.Escrow {
	t.Helper()
	ctx := context.Background()
	e := f.create(t, amount)
	_, _, err := f.svc.Fund(ctx, e.EscrowID, "buyer-alice")
	require.NoError(t, err)
	e, _, err = f.svc.StartDelivery(ctx, e.EscrowID, "seller-bob", "sha256:proof")
	require.NoError(t, err)
	return e
}

func TestRelease_StatusSaveFailsAfterPayout(t *testing.T) {
	store := &flakyEscrowStore{EscrowStore: memory.NewEscrowStore()}
	f := newFixtureWith(t, store, memory.NewLedgerStore())
	ctx := context.Background()
	e := f.deliver(t, 30000)

	// снятие отметки после выплаты продавцу не сохраняется
	var failed atomic.Bool
	store.failOn = func(e *domain.Escrow) bool {
		return e.Status == domain.EscrowReleased && e.Pending == nil && failed.CompareAndSwap(false, true)
	}
	got, rs, err := f.svc.Confirm(ctx, e.EscrowID, "buyer-alice")
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, domain.EscrowReleased, got.Status)
	assert.Equal(t, domain.Amount(30000), f.balance(t, "seller-bob"))

	// повтор не платит второй раз
	_, _, err = f.svc.Confirm(ctx, e.EscrowID, "buyer-alice")
	require.Error(t, err)
	assert.Equal(t, domain.Amount(30000), f.balance(t, "seller-bob"))

	f.advance(time.Minute)
	got, err = f.svc.Get(ctx, e.EscrowID)
	require.NoError(t, err)
	assert.Nil(t, got.Pending)
	assert.Equal(t, domain.EscrowReleased, got.Status)
	assert.Equal(t, domain.Amount(30000), f.balance(t, "seller-bob"))
	f.assertHoldingInvariant(t)
	require.Len(t, f.verifyChain(t, e.EscrowID), 4)
}

func TestRelease_InterruptedPostingIsRecovered(t *testing.T) {
	ledgerStore := &flakyLedgerStore{LedgerStore: memory.NewLedgerStore()}
	f := newFixtureWith(t, memory.NewEscrowStore(), ledgerStore)
	ctx := context.Background()
	e := f.deliver(t, 30000)

	ledgerStore.next = errors.New("connection reset")
	_, _, err := f.svc.Confirm(ctx, e.EscrowID, "buyer-alice")
	require.Error(t, err)
	assert.Zero(t, f.balance(t, "seller-bob"))

	got, err := f.svc.Get(ctx, e.EscrowID)
	require.NoError(t, err)
	require.NotNil(t, got.Pending)
	assert.Equal(t, domain.EscrowReleased, got.Status)

	// пока отметка свежая, переходы ждут
	_, _, err = f.svc.Dispute(ctx, e.EscrowID, "buyer-alice", "late")
	assert.True(t, domain.IsRetryable(err))

	f.advance(time.Minute)
	n, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err = f.svc.Get(ctx, e.EscrowID)
	require.NoError(t, err)
	assert.Nil(t, got.Pending)
	assert.Equal(t, domain.Amount(30000), f.balance(t, "seller-bob"))
	assert.Zero(t, f.balance(t, DefaultHoldingAccount))
	f.assertHoldingInvariant(t)

	chain := f.verifyChain(t, e.EscrowID)
	require.Len(t, chain, 4)
	last, err := receipt.Hash(&chain[3])
	require.NoError(t, err)
	assert.Equal(t, last, got.LastReceiptHash)
}

func TestRelease_RejectedPostingRevertsStatus(t *testing.T) {
	ledgerStore := &flakyLedgerStore{LedgerStore: memory.NewLedgerStore()}
	f := newFixtureWith(t, memory.NewEscrowStore(), ledgerStore)
	ctx := context.Background()
	e := f.deliver(t, 30000)

	ledgerStore.next = domain.NewError(domain.CodeInvalidPosting, "posting rejected")
	_, _, err := f.svc.Confirm(ctx, e.EscrowID, "buyer-alice")
	assert.Equal(t, domain.CodeInvalidPosting, domain.CodeOf(err))

	got, err := f.svc.Get(ctx, e.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowConfirmed, got.Status)
	assert.Nil(t, got.Pending)
	assert.Zero(t, f.balance(t, "seller-bob"))
	f.assertHoldingInvariant(t)

	got, rs, err := f.svc.Confirm(ctx, e.EscrowID, "buyer-alice")
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, domain.EscrowReleased, got.Status)
	assert.Equal(t, domain.Amount(30000), f.balance(t, "seller-bob"))
	require.Len(t, f.verifyChain(t, e.EscrowID), 4)
}
