package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned for non-bypass sends while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open: broadcast volume threshold exceeded")

// Alerter receives the single operator alert emitted when the breaker trips.
type Alerter interface {
	Alert(ctx context.Context, message string)
}

// CircuitBreaker halts broadcast-class traffic once aggregate send volume
// in a rolling window crosses a threshold, to contain runaway sends.
// Conversational bypass sends are never recorded against it. State is
// process-local and resets when the window rolls over.
type CircuitBreaker struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	tripped     bool
	alerted     bool
	threshold   int
	window      time.Duration
	alerter     Alerter
	logger      *slog.Logger
	now         func() time.Time
}

// NewCircuitBreaker creates a breaker that trips once more than threshold
// sends are recorded within one window. alerter may be nil.
func NewCircuitBreaker(threshold int, window time.Duration, alerter Alerter) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		window:    window,
		alerter:   alerter,
		logger:    slog.Default().With("component", "circuit-breaker"),
		now:       time.Now,
	}
}

// RecordSend counts one non-bypass send. The send that crosses the
// threshold still goes out but trips the breaker; every later send in the
// same window gets ErrCircuitOpen. Exactly one alert is emitted per trip.
func (b *CircuitBreaker) RecordSend(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= b.window {
		b.count = 0
		b.windowStart = now
		b.tripped = false
		b.alerted = false
	}

	if b.tripped {
		return ErrCircuitOpen
	}

	b.count++
	if b.count > b.threshold {
		b.tripped = true
		b.logger.Error("circuit breaker tripped",
			"count", b.count,
			"threshold", b.threshold,
			"window", b.window)
		if b.alerter != nil && !b.alerted {
			b.alerted = true
			b.alerter.Alert(ctx, fmt.Sprintf(
				"circuit breaker tripped: %d sends in %s (threshold %d), broadcast traffic halted",
				b.count, b.window, b.threshold))
		}
	}

	return nil
}

// Open reports whether the breaker is currently tripped
func (b *CircuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.windowStart.IsZero() && b.now().Sub(b.windowStart) >= b.window {
		return false
	}
	return b.tripped
}
