package cache

import (
	"context"
	"sync"
	"time"
)

// Memory implements the Counter interface with an in-process map. Suitable
// for single-instance deployments and tests; counters are lost on restart.
type Memory struct {
	mu        sync.Mutex
	items     map[string]*memoryItem
	connected bool
	now       func() time.Time
}

type memoryItem struct {
	value     int64
	expiresAt time.Time
}

// NewMemory creates a new in-memory counter store
func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]*memoryItem),
		now:   time.Now,
	}
}

// Connect marks the store as available
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Close marks the store as unavailable and drops all counters
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.items = make(map[string]*memoryItem)
	return nil
}

// IsConnected returns true if Connect has been called
func (m *Memory) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Type returns the type of this store
func (m *Memory) Type() string {
	return "memory"
}

// Get retrieves a counter value
func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	item, ok := m.items[key]
	if !ok || m.expired(item) {
		delete(m.items, key)
		return 0, ErrNotFound
	}

	return item.value, nil
}

// IncrementWithTTL atomically increments a counter, creating it with the
// given ttl when absent or expired
func (m *Memory) IncrementWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	item, ok := m.items[key]
	if !ok || m.expired(item) {
		item = &memoryItem{expiresAt: m.now().Add(ttl)}
		m.items[key] = item
	}

	item.value++
	return item.value, nil
}

// Delete removes a counter
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	if _, ok := m.items[key]; !ok {
		return ErrNotFound
	}

	delete(m.items, key)
	return nil
}

func (m *Memory) expired(item *memoryItem) bool {
	return !item.expiresAt.IsZero() && m.now().After(item.expiresAt)
}
