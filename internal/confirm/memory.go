package confirm

import (
	"context"
	"sync"
)

// MemoryStore keeps pending confirmations in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	pending map[string]Pending
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pending: make(map[string]Pending)}
}

func (s *MemoryStore) Get(_ context.Context, chatID string) (Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[chatID]
	if !ok {
		return Pending{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) Save(_ context.Context, chatID string, p Pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[chatID] = p
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, chatID)
	return nil
}

// Len returns the number of pending confirmations.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
