package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/xela07ax/agentbank-core/internal/domain"
)

// CommitmentStore — ключ идемпотентности (sender, intent_id).
type CommitmentStore struct {
	mu    sync.RWMutex
	items map[string]domain.Commitment
	order map[string][]string
}

func NewCommitmentStore() *CommitmentStore {
	return &CommitmentStore{
		items: make(map[string]domain.Commitment),
		order: make(map[string][]string),
	}
}

func commitmentKey(sender, intentID string) string { return sender + "\x00" + intentID }

func (s *CommitmentStore) Get(_ context.Context, sender, intentID string) (*domain.Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.items[commitmentKey(sender, intentID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &c, nil
}

func (s *CommitmentStore) Create(_ context.Context, c domain.Commitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := commitmentKey(c.Sender, c.IntentID)
	if _, ok := s.items[k]; ok {
		return domain.ErrAlreadyExists
	}
	s.items[k] = c
	s.order[c.Sender] = append(s.order[c.Sender], c.IntentID)
	return nil
}

// Latest возвращает последний созданный коммитмент отправителя.
func (s *CommitmentStore) Latest(_ context.Context, sender string) (*domain.Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.order[sender]
	for i := len(ids) - 1; i >= 0; i-- {
		if c, ok := s.items[commitmentKey(sender, ids[i])]; ok {
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *CommitmentStore) Delete(_ context.Context, sender, intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, commitmentKey(sender, intentID))
	s.order[sender] = slices.DeleteFunc(s.order[sender], func(id string) bool { return id == intentID })
	return nil
}
