package persistence

import (
	"context"
	"sync"

	"copy_trader/internal/core"
)

// MemoryStore keeps the last snapshot in memory
type MemoryStore struct {
	data []byte
	mu   sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save stores an encoded copy so later mutations of snap are not observed
func (s *MemoryStore) Save(ctx context.Context, snap *core.Snapshot) error {
	data, _, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) (*core.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data == nil {
		return nil, nil
	}
	return decodeSnapshot(s.data, nil)
}

func (s *MemoryStore) Close() error {
	return nil
}
