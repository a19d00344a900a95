package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStateSet_LocalOnly(t *testing.T) {
	src := func(context.Context) ([]string, error) { return []string{"agent-a", "agent-b"}, nil }
	s := NewFrozenAgents(src, nil, zap.NewNop())

	require.NoError(t, s.Init(context.Background()))
	assert.True(t, s.Contains("agent-a"))
	assert.Equal(t, 2, s.Len())

	require.NoError(t, s.Publish(context.Background(), "agent-c", true))
	require.NoError(t, s.Publish(context.Background(), "agent-a", false))
	assert.True(t, s.Contains("agent-c"))
	assert.False(t, s.Contains("agent-a"))

	// Повторная синхронизация возвращает авторитетное состояние БД
	require.NoError(t, s.Init(context.Background()))
	assert.True(t, s.Contains("agent-a"))
	assert.False(t, s.Contains("agent-c"))
}

func TestStateSet_SourceError(t *testing.T) {
	s := NewRevokedPermits(func(context.Context) ([]string, error) {
		return nil, errors.New("db down")
	}, nil, zap.NewNop())

	err := s.Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "revoked_permits")
}

func TestStateSet_ListenerWithoutRedisReturns(t *testing.T) {
	s := NewRevokedPermits(nil, nil, zap.NewNop())
	s.StartListener(context.Background())
	require.NoError(t, s.Init(context.Background()))
	assert.Zero(t, s.Len())
}
