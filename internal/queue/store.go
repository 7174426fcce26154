package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoPending is returned when an owner has no deliverable message
	ErrNoPending = errors.New("queue: no pending message")

	// ErrNotFound is returned for an unknown message id
	ErrNotFound = errors.New("queue: message not found")

	// ErrTerminalStatus is returned when a transition would move a
	// message out of a terminal status
	ErrTerminalStatus = errors.New("queue: message already in terminal status")
)

// Store is the persistence contract shared by the dedicated-table and
// legacy profile-embedded backends. Both must enforce the terminal-status
// rule inside Transition so that no caller can resurrect a delivered,
// expired, failed or cancelled message.
type Store interface {
	// Insert persists a new message. The caller fills every field
	// including ID, Status and timestamps.
	Insert(ctx context.Context, msg *QueuedMessage) error

	// Get returns one message by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*QueuedMessage, error)

	// NextPending returns the owner's best deliverable message:
	// lowest priority number first, oldest first within a priority,
	// excluding terminal and expired messages. Returns ErrNoPending
	// when nothing qualifies.
	NextPending(ctx context.Context, ownerID string, now time.Time) (*QueuedMessage, error)

	// NextCandidate is NextPending without the expiry filter. Callers
	// that pop candidates are responsible for retiring stale ones.
	NextCandidate(ctx context.Context, ownerID string) (*QueuedMessage, error)

	// Transition moves a message to a new status and stamps the
	// matching timestamp field. Moving out of a terminal status
	// returns ErrTerminalStatus.
	Transition(ctx context.Context, id string, to Status, at time.Time) error

	// IncrementRetry bumps the retry counter by one.
	IncrementRetry(ctx context.Context, id string) error

	// ListQueued returns every non-expired message still in status
	// queued, across all owners, oldest first.
	ListQueued(ctx context.Context, now time.Time) ([]*QueuedMessage, error)

	// ExpireDue marks every non-terminal message whose deadline has
	// passed as expired and returns the affected ids. Running it twice
	// over the same instant is a no-op the second time.
	ExpireDue(ctx context.Context, now time.Time) ([]string, error)

	// CountByStatus returns the number of messages per status.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// AppendAudit records one audit event. Implementations should be
	// cheap; callers treat failures as non-fatal.
	AppendAudit(ctx context.Context, event AuditEvent) error

	// CountEventsSince returns how many audit events with the given
	// name were recorded at or after since. Backends without a
	// persisted trail report zero.
	CountEventsSince(ctx context.Context, event string, since time.Time) (int, error)

	// AuditTrail returns the audit events recorded for a message,
	// oldest first.
	AuditTrail(ctx context.Context, messageID string) ([]AuditEvent, error)
}
