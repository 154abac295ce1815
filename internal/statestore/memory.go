package statestore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/oriys/vela/internal/activity"
)

// MemoryStore keeps snapshots in process memory. Snapshots are stored as
// JSON so a load always yields a detached copy, the same as the remote
// drivers.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Save stores a snapshot under the key.
func (s *MemoryStore) Save(_ context.Context, key string, state *activity.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = raw
	return nil
}

// Load returns the snapshot stored under the key, or ErrNotFound.
func (s *MemoryStore) Load(_ context.Context, key string) (*activity.State, error) {
	s.mu.RLock()
	raw, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var state activity.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// List returns all stored keys.
func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys, nil
}

// Delete removes the snapshot under the key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Close is a no-op for the memory driver.
func (s *MemoryStore) Close() error { return nil }
