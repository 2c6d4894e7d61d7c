package device

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/vaani/pkg/fault"
)

// Compile-time interface assertion.
var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. It is safe for concurrent use.
type MemStore struct {
	mu       sync.RWMutex
	bindings map[string]Binding
	order    []string
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{bindings: make(map[string]Binding)}
}

// Insert implements [Store].
func (s *MemStore) Insert(_ context.Context, b Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bindings[b.ID]; ok {
		return fmt.Errorf("device: insert %s: duplicate id", b.ID)
	}
	s.bindings[b.ID] = b
	s.order = append(s.order, b.ID)
	return nil
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, id string) (Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[id]
	if !ok {
		return Binding{}, ErrNotFound
	}
	return b, nil
}

// FindActive implements [Store].
func (s *MemStore) FindActive(_ context.Context, accountID, fingerprint string) (Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		b := s.bindings[id]
		if b.AccountID == accountID && b.Fingerprint == fingerprint && b.Active() {
			return b, nil
		}
	}
	return Binding{}, ErrNotFound
}

// Update implements [Store].
func (s *MemStore) Update(_ context.Context, b Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.bindings[b.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Trust == TrustRevoked {
		return fmt.Errorf("device: update %s: %w", b.ID, fault.ErrRevoked)
	}
	s.bindings[b.ID] = b
	return nil
}

// List implements [Store].
func (s *MemStore) List(_ context.Context, accountID string) ([]Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Binding
	for _, id := range s.order {
		if b := s.bindings[id]; b.AccountID == accountID {
			out = append(out, b)
		}
	}
	return slices.Clip(out), nil
}

// Len returns the number of stored bindings.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bindings)
}
