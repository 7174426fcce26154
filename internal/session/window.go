// Package session decides whether a recipient can still receive free-form
// messages. The channel provider only permits free-form sends inside the
// 24-hour window after the recipient's last inbound message; outside it,
// only pre-approved templates go through.
package session

import (
	"context"
	"log/slog"
	"time"
)

// DeliveryMode selects the channel for an outbound send.
type DeliveryMode string

const (
	// ModeDirect is a free-form send inside an open session window
	ModeDirect DeliveryMode = "direct"
	// ModeTemplate is a pre-approved template send, the only channel
	// usable outside the session window
	ModeTemplate DeliveryMode = "template"
)

// ProfileStore exposes the recipient-profile fields the tracker reads. The
// underlying schema belongs to the CRM, not to this core.
type ProfileStore interface {
	// LastInbound returns the recipient's last inbound-interaction time,
	// or the zero time when no interaction is on record.
	LastInbound(ctx context.Context, recipientID string) (time.Time, error)
}

// WindowTracker answers session-window questions for recipients
type WindowTracker struct {
	store  ProfileStore
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewWindowTracker creates a tracker over the given profile store. window
// is the provider's customer-session length, 24h for WhatsApp.
func NewWindowTracker(store ProfileStore, window time.Duration) *WindowTracker {
	return &WindowTracker{
		store:  store,
		window: window,
		logger: slog.Default().With("component", "session-window"),
		now:    time.Now,
	}
}

// IsSessionOpen reports whether the recipient's last inbound interaction is
// recent enough for a free-form send. No record, or a store error, counts
// as closed.
func (t *WindowTracker) IsSessionOpen(ctx context.Context, recipientID string) bool {
	last, err := t.store.LastInbound(ctx, recipientID)
	if err != nil {
		t.logger.Warn("profile read failed, treating session as closed",
			"recipient_id", recipientID,
			"error", err)
		return false
	}
	if last.IsZero() {
		return false
	}

	return !last.Before(t.now().Add(-t.window))
}

// DecideDeliveryMode routes an open session to a direct send and a closed
// one to the template fallback
func (t *WindowTracker) DecideDeliveryMode(ctx context.Context, recipientID string) DeliveryMode {
	if t.IsSessionOpen(ctx, recipientID) {
		return ModeDirect
	}
	return ModeTemplate
}
