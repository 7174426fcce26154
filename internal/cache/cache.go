package cache

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Counter is the shared counter store backing the global send quota. The
// only hard requirement is IncrementWithTTL: an atomic increment that also
// guarantees the key expires, so per-minute buckets clean themselves up.
type Counter interface {
	// Connect establishes a connection to the backing store
	Connect() error

	// Close closes the connection
	Close() error

	// IsConnected returns true if the store is reachable
	IsConnected() bool

	// Type returns the backend type ("redis", "memcached", "memory")
	Type() string

	// Get retrieves the current value of a counter, ErrNotFound if absent
	Get(ctx context.Context, key string) (int64, error)

	// IncrementWithTTL atomically increments a counter and ensures the key
	// expires after ttl. Returns the post-increment value.
	IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Delete removes a counter
	Delete(ctx context.Context, key string) error
}

// Config represents the configuration for a counter store
type Config struct {
	Type     string // "redis", "memcached", "memory"
	Host     string
	Port     int
	Password string
	Database int // Redis database number
}

// New creates a counter store from configuration
func New(config Config) (Counter, error) {
	switch config.Type {
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	case "memory", "":
		return NewMemory(), nil
	default:
		return nil, errors.New("unsupported counter store type: " + config.Type)
	}
}
