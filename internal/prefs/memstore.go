package prefs

import (
	"context"
	"sync"
	"time"
)

// Compile-time interface assertion.
var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store].
type MemStore struct {
	mu       sync.Mutex
	prefs    map[string]Preferences
	enrolled map[string]bool
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		prefs:    make(map[string]Preferences),
		enrolled: make(map[string]bool),
	}
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, userID string) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prefs[userID]
	if !ok {
		return Preferences{}, ErrNotFound
	}
	return p, nil
}

// SetLanguage implements [Store].
func (s *MemStore) SetLanguage(_ context.Context, userID, lang string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.prefs[userID]
	p.Language = lang
	p.UpdatedAt = time.Now()
	s.prefs[userID] = p
	return nil
}

// SetVoiceMode implements [Store].
func (s *MemStore) SetVoiceMode(_ context.Context, userID string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.prefs[userID]
	p.VoiceMode = on
	p.UpdatedAt = time.Now()
	s.prefs[userID] = p
	return nil
}

// IsEnrolled implements [Store].
func (s *MemStore) IsEnrolled(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enrolled[key], nil
}

// MarkEnrolled implements [Store].
func (s *MemStore) MarkEnrolled(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrolled[key] = true
	return nil
}

// ClearEnrolled implements [Store].
func (s *MemStore) ClearEnrolled(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.enrolled, key)
	return nil
}

// Close implements [Store].
func (s *MemStore) Close() error { return nil }
