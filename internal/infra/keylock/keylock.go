// Package keylock: блокировки по строковому ключу с ожиданием через context.
// Несколько ключей берутся в отсортированном порядке, поэтому взаимных блокировок нет.
package keylock

import (
	"context"
	"slices"
	"sync"

	"github.com/xela07ax/agentbank-core/internal/domain"
)

type entry struct {
	ch   chan struct{}
	refs int
}

type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

// Lock берет все ключи или ни одного. Отмена/таймаут ctx -> LOCK_TIMEOUT (повторяемая ошибка).
func (l *Locker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	acquired := make([]string, 0, len(keys))

	for _, k := range keys {
		e := l.ref(k)
		select {
		case e.ch <- struct{}{}:
			acquired = append(acquired, k)
		case <-ctx.Done():
			l.unref(k)
			l.release(acquired)
			return nil, domain.NewError(domain.CodeLockTimeout, "timed out waiting for %s", k).
				Wrap(ctx.Err()).
				WithDetail("key", k)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(acquired) })
	}, nil
}

func (l *Locker) release(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		l.mu.Lock()
		e := l.locks[keys[i]]
		l.mu.Unlock()
		<-e.ch
		l.unref(keys[i])
	}
}

func (l *Locker) ref(k string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[k]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[k] = e
	}
	e.refs++
	return e
}

func (l *Locker) unref(k string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.locks[k]
	e.refs--
	if e.refs == 0 {
		delete(l.locks, k)
	}
}

// Size: число ключей, по которым кто-то держит или ждет блокировку.
func (l *Locker) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func normalize(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}
