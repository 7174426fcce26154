package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached implements the Counter interface backed by memcached
type Memcached struct {
	config    Config
	client    *memcache.Client
	connected bool
}

// NewMemcached creates a new memcached counter store
func NewMemcached(config Config) *Memcached {
	if config.Port == 0 {
		config.Port = 11211
	}

	return &Memcached{
		config: config,
	}
}

// Connect establishes a connection to memcached
func (m *Memcached) Connect() error {
	if m.connected {
		return nil
	}

	m.client = memcache.New(fmt.Sprintf("%s:%d", m.config.Host, m.config.Port))
	if err := m.client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to memcached: %w", err)
	}

	m.connected = true
	return nil
}

// Close closes the connection to memcached
func (m *Memcached) Close() error {
	m.connected = false
	return nil
}

// IsConnected returns true if connected to memcached
func (m *Memcached) IsConnected() bool {
	return m.connected
}

// Type returns the type of this store
func (m *Memcached) Type() string {
	return "memcached"
}

// Get retrieves a counter value from memcached
func (m *Memcached) Get(_ context.Context, key string) (int64, error) {
	if !m.connected {
		return 0, ErrNotConnected
	}

	item, err := m.client.Get(key)
	if err == memcache.ErrCacheMiss {
		return 0, ErrNotFound
	} else if err != nil {
		return 0, err
	}

	val, err := strconv.ParseInt(string(item.Value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("non-numeric counter value for %s: %w", key, err)
	}

	return val, nil
}

// IncrementWithTTL atomically increments a counter. Memcached's Increment
// does not create missing keys, so the first caller seeds the bucket with
// Add (which also sets the expiry); a concurrent Add loser falls through to
// Increment.
func (m *Memcached) IncrementWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	if !m.connected {
		return 0, ErrNotConnected
	}

	err := m.client.Add(&memcache.Item{
		Key:        key,
		Value:      []byte("1"),
		Expiration: int32(ttl.Seconds()),
	})
	if err == nil {
		return 1, nil
	}
	if err != memcache.ErrNotStored {
		return 0, err
	}

	newVal, err := m.client.Increment(key, 1)
	if err != nil {
		return 0, err
	}

	return int64(newVal), nil
}

// Delete removes a counter from memcached
func (m *Memcached) Delete(_ context.Context, key string) error {
	if !m.connected {
		return ErrNotConnected
	}

	err := m.client.Delete(key)
	if err == memcache.ErrCacheMiss {
		return ErrNotFound
	}
	return err
}
