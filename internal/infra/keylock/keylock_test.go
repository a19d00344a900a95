package keylock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/agentbank-core/internal/domain"
)

func TestLock_SerializesSameKey(t *testing.T) {
	l := New()
	var (
		mu      sync.Mutex
		counter int
		wg      sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "account:a")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			counter++
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, l.Size())
}

func TestLock_TimesOut(t *testing.T) {
	l := New()
	unlock, err := l.Lock(context.Background(), "permit:1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "budget:1", "permit:1")
	require.Error(t, err)
	assert.Equal(t, domain.CodeLockTimeout, domain.CodeOf(err))
	assert.True(t, domain.IsRetryable(err))

	// budget:1 был взят и должен быть отпущен при неудаче
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	unlock2, err := l.Lock(ctx2, "budget:1")
	require.NoError(t, err)
	unlock2()
}

func TestLock_OppositeOrderDoesNotDeadlock(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "a", "b")
			if !assert.NoError(t, err) {
				return
			}
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "b", "a", "a")
			if !assert.NoError(t, err) {
				return
			}
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, l.Size())
}

func TestUnlock_IsIdempotent(t *testing.T) {
	l := New()
	unlock, err := l.Lock(context.Background(), "x")
	require.NoError(t, err)
	unlock()
	unlock()
	assert.Equal(t, 0, l.Size())
}
