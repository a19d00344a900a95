package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/crypto"
	"github.com/xela07ax/agentbank-core/internal/domain"
	"github.com/xela07ax/agentbank-core/internal/repository/memory"
)

func TestRegister_IdempotentAndConflict(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(memory.NewIdentityStore(), zap.NewNop())

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	other, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	_, err = r.Register(ctx, "buyer-alice", kp.Public, "retail")
	require.NoError(t, err)
	_, err = r.Register(ctx, "buyer-alice", kp.Public)
	require.NoError(t, err)

	_, err = r.Register(ctx, "buyer-alice", other.Public)
	assert.Equal(t, domain.CodeIdentityConflict, domain.CodeOf(err))

	pub, err := r.PublicKey("buyer-alice")
	require.NoError(t, err)
	assert.True(t, pub.Equal(kp.Public))

	_, err = r.PublicKey("ghost")
	assert.Equal(t, domain.CodeUnknownIdentity, domain.CodeOf(err))

	cp := r.Counterparty("buyer-alice")
	assert.Equal(t, []string{"retail"}, cp.Categories)
}

func TestRefresh_LoadsFromRepository(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdentityStore()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	_, err = NewRegistry(repo, zap.NewNop()).Register(ctx, "seller-bob", kp.Public, "compute")
	require.NoError(t, err)

	fresh := NewRegistry(repo, zap.NewNop())
	_, ok := fresh.Lookup("seller-bob")
	assert.False(t, ok)

	require.NoError(t, fresh.Refresh(ctx))
	ident, ok := fresh.Lookup("seller-bob")
	require.True(t, ok)
	assert.True(t, ident.HasCategory("compute"))
}

func TestRegister_ReservedIDRejected(t *testing.T) {
	ctx := context.Background()
	store := memory.NewIdentityStore()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	// запись, сделанная до того, как ID стал служебным
	_, err = NewRegistry(store, zap.NewNop()).Register(ctx, "escrow-holding", kp.Public)
	require.NoError(t, err)

	r := NewRegistry(store, zap.NewNop(), WithReservedIDs("escrow-holding"))
	_, err = r.Register(ctx, "escrow-holding", kp.Public)
	require.ErrorIs(t, err, domain.ErrReservedAccount)
	assert.Equal(t, domain.KindAuthorization, domain.KindOf(err))

	require.NoError(t, r.Refresh(ctx))
	_, err = r.PublicKey("escrow-holding")
	assert.Equal(t, domain.CodeUnknownIdentity, domain.CodeOf(err))
}
