package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements the Counter interface backed by Redis
type Redis struct {
	config    Config
	client    *redis.Client
	connected bool
}

// NewRedis creates a new Redis counter store
func NewRedis(config Config) *Redis {
	if config.Port == 0 {
		config.Port = 6379
	}

	return &Redis{
		config: config,
	}
}

// Connect establishes a connection to Redis
func (r *Redis) Connect() error {
	if r.connected {
		return nil
	}

	r.client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", r.config.Host, r.config.Port),
		Password: r.config.Password,
		DB:       r.config.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.connected = true
	return nil
}

// Close closes the connection to Redis
func (r *Redis) Close() error {
	if !r.connected {
		return nil
	}

	if err := r.client.Close(); err != nil {
		return err
	}

	r.connected = false
	return nil
}

// IsConnected returns true if connected to Redis
func (r *Redis) IsConnected() bool {
	return r.connected
}

// Type returns the type of this store
func (r *Redis) Type() string {
	return "redis"
}

// Get retrieves a counter value from Redis
func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}

	val, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, ErrNotFound
	} else if err != nil {
		return 0, err
	}

	return val, nil
}

// IncrementWithTTL atomically increments a counter and pins its expiry.
// INCR and EXPIRE run in a pipeline; EXPIRE is issued on every increment so
// a missed expiry on a prior call cannot leave the bucket immortal.
func (r *Redis) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	return incr.Val(), nil
}

// Delete removes a counter from Redis
func (r *Redis) Delete(ctx context.Context, key string) error {
	if !r.connected {
		return ErrNotConnected
	}

	result, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return err
	}

	if result == 0 {
		return ErrNotFound
	}

	return nil
}
