package admission

import (
	"context"
	"sync"
)

// MemoryStore implements an in-memory admission slot store. Suitable for
// single-instance deployments.
type MemoryStore struct {
	mu    sync.Mutex
	slots map[string]int
}

// NewMemoryStore creates a new in-memory admission store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[string]int)}
}

// Acquire takes one slot for the identity if fewer than ceiling are held.
func (s *MemoryStore) Acquire(ctx context.Context, identity string, ceiling int) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	held := s.slots[identity]
	if held >= ceiling {
		return false, held, nil
	}
	held++
	s.slots[identity] = held
	return true, held, nil
}

// Release returns one slot for the identity, clamping at zero.
func (s *MemoryStore) Release(ctx context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	held := s.slots[identity]
	if held <= 1 {
		delete(s.slots, identity)
		return nil
	}
	s.slots[identity] = held - 1
	return nil
}

// Held reports the slots currently held by the identity.
func (s *MemoryStore) Held(ctx context.Context, identity string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[identity], nil
}

// Close releases resources.
func (s *MemoryStore) Close() error { return nil }
