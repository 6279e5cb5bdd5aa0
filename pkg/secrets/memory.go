package secrets

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used in tests and single-node
// deployments without Redis.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]string
	locks  map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string]string),
		locks:  make(map[string]time.Time),
	}
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[sessionID], nil
}

func (s *MemoryStore) Set(_ context.Context, sessionID string, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[sessionID] = token
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, sessionID)
	return nil
}

func (s *MemoryStore) All(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.tokens))
	for k, v := range s.tokens {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Lock(_ context.Context, sessionID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks[sessionID] = time.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) Unlock(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locks[sessionID]; !ok {
		return ErrNotLocked
	}
	delete(s.locks, sessionID)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
