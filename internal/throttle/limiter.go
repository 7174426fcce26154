package throttle

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Block reasons recorded on a recipient's throttle state.
const (
	ReasonHourlyCap = "hourly cap exceeded"
	ReasonOptOut    = "opt-out requested"
)

// RateLimitError is returned when a per-recipient cap denies a send.
type RateLimitError struct {
	Recipient string
	Reason    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %s", e.Recipient, e.Reason)
}

// recipientState tracks the rolling counters for a single recipient. The
// windows are reset-on-expiry rather than true sliding windows, which
// permits short bursts right after a reset boundary.
type recipientState struct {
	hourCount   int
	hourStart   time.Time
	minuteCount int
	minuteStart time.Time
	blocked     bool
	blockReason string
	permanent   bool
}

// RateLimiter enforces per-recipient hourly and per-minute send caps. State
// is process-local; a multi-instance deployment needs a shared store behind
// the same interface.
type RateLimiter struct {
	mu         sync.Mutex
	recipients map[string]*recipientState
	hourlyCap  int
	minuteCap  int
	logger     *slog.Logger
	now        func() time.Time
}

// NewRateLimiter creates a rate limiter with the given per-recipient caps
func NewRateLimiter(hourlyCap, minuteCap int) *RateLimiter {
	return &RateLimiter{
		recipients: make(map[string]*recipientState),
		hourlyCap:  hourlyCap,
		minuteCap:  minuteCap,
		logger:     slog.Default().With("component", "rate-limiter"),
		now:        time.Now,
	}
}

// CheckAndRecord admits or denies one send for the recipient, counting it
// when admitted. bypass skips the per-recipient caps (live conversational
// replies) but never clears a block. Returns nil on allow or a
// *RateLimitError on deny.
func (l *RateLimiter) CheckAndRecord(recipient string, bypass bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state := l.recipients[recipient]
	if state == nil {
		state = &recipientState{hourStart: now, minuteStart: now}
		l.recipients[recipient] = state
	}

	l.rollWindows(state, now)

	if state.blocked {
		return &RateLimitError{Recipient: recipient, Reason: state.blockReason}
	}

	if bypass {
		return nil
	}

	if state.hourCount >= l.hourlyCap {
		state.blocked = true
		state.blockReason = ReasonHourlyCap
		l.logger.Warn("recipient blocked",
			"recipient", recipient,
			"reason", state.blockReason,
			"hourly_cap", l.hourlyCap)
		return &RateLimitError{Recipient: recipient, Reason: state.blockReason}
	}

	if state.minuteCount >= l.minuteCap {
		return &RateLimitError{Recipient: recipient, Reason: "per-minute cap exceeded"}
	}

	state.hourCount++
	state.minuteCount++
	return nil
}

// Block permanently blocks a recipient. Used for opt-outs; a permanent
// block survives window resets and is never cleared in-process.
func (l *RateLimiter) Block(recipient, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state := l.recipients[recipient]
	if state == nil {
		now := l.now()
		state = &recipientState{hourStart: now, minuteStart: now}
		l.recipients[recipient] = state
	}

	state.blocked = true
	state.blockReason = reason
	state.permanent = true

	l.logger.Warn("recipient permanently blocked", "recipient", recipient, "reason", reason)
}

// IsBlocked reports whether the recipient is currently blocked and why
func (l *RateLimiter) IsBlocked(recipient string) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state := l.recipients[recipient]
	if state == nil {
		return false, ""
	}

	l.rollWindows(state, l.now())
	return state.blocked, state.blockReason
}

// rollWindows resets expired counting windows. A cap-induced block clears
// with its hour window; permanent blocks do not.
func (l *RateLimiter) rollWindows(state *recipientState, now time.Time) {
	if now.Sub(state.hourStart) >= time.Hour {
		state.hourCount = 0
		state.hourStart = now
		if state.blocked && !state.permanent {
			state.blocked = false
			state.blockReason = ""
		}
	}
	if now.Sub(state.minuteStart) >= time.Minute {
		state.minuteCount = 0
		state.minuteStart = now
	}
}
