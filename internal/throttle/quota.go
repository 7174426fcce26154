package throttle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avandra/courier/internal/cache"
)

// quotaTTL keeps per-minute buckets alive slightly past their minute so a
// straggling increment never resurrects an expired bucket at zero.
const quotaTTL = 120 * time.Second

// GlobalQuota enforces the provider-wide per-minute send budget through a
// shared counter store keyed by epoch minute. The counter is shared across
// all instances; the store must support atomic increment with TTL.
type GlobalQuota struct {
	counter cache.Counter
	limit   int64
	logger  *slog.Logger
	now     func() time.Time
}

// NewGlobalQuota creates a global quota guard over the given counter store
func NewGlobalQuota(counter cache.Counter, perMinute int64) *GlobalQuota {
	return &GlobalQuota{
		counter: counter,
		limit:   perMinute,
		logger:  slog.Default().With("component", "global-quota"),
		now:     time.Now,
	}
}

// Allow increments the current minute's bucket and reports whether the send
// fits the budget. Store unavailability fails open: core messaging
// availability wins over strict quota enforcement.
func (q *GlobalQuota) Allow(ctx context.Context) bool {
	key := fmt.Sprintf("rate:%d", q.now().Unix()/60)

	count, err := q.counter.IncrementWithTTL(ctx, key, quotaTTL)
	if err != nil {
		q.logger.Warn("quota store unavailable, failing open", "key", key, "error", err)
		return true
	}

	if count > q.limit {
		q.logger.Info("global quota exceeded", "key", key, "count", count, "limit", q.limit)
		return false
	}

	return true
}
