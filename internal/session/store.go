package session

import (
	"context"
	"sync"
	"time"
)

// MemoryProfileStore is an in-process ProfileStore for single-instance
// deployments and tests. Production wires the CRM's recipient store instead.
type MemoryProfileStore struct {
	mu          sync.RWMutex
	lastInbound map[string]time.Time
}

// NewMemoryProfileStore creates an empty in-memory profile store
func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{
		lastInbound: make(map[string]time.Time),
	}
}

// LastInbound returns the recorded last inbound time, zero when absent
func (s *MemoryProfileStore) LastInbound(_ context.Context, recipientID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastInbound[recipientID], nil
}

// RecordInbound stores the recipient's latest inbound-interaction time
func (s *MemoryProfileStore) RecordInbound(_ context.Context, recipientID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastInbound[recipientID] = at
	return nil
}
