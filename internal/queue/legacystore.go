package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Legacy deployments stored pending messages as JSON blobs inside the
// owner's profile notes, one slot per message type. Alerts and ad-hoc
// notifications shared a single slot.
const (
	legacyKeyBriefing      = "pending_briefing"
	legacyKeyRecap         = "pending_recap"
	legacyKeyDailyReport   = "pending_reporte_diario"
	legacyKeyWeeklySummary = "pending_resumen_semanal"
	legacyKeyGeneric       = "pending_mensaje"
)

func legacyKeyFor(t MessageType) string {
	switch t {
	case TypeBriefing:
		return legacyKeyBriefing
	case TypeRecap:
		return legacyKeyRecap
	case TypeDailyReport:
		return legacyKeyDailyReport
	case TypeWeeklySummary:
		return legacyKeyWeeklySummary
	default:
		return legacyKeyGeneric
	}
}

var legacyKeys = []string{
	legacyKeyBriefing,
	legacyKeyRecap,
	legacyKeyDailyReport,
	legacyKeyWeeklySummary,
	legacyKeyGeneric,
}

// NotesStore is the minimal access the legacy backend needs to the
// key-value notes field on owner profiles.
type NotesStore interface {
	Owners(ctx context.Context) ([]string, error)
	Notes(ctx context.Context, ownerID string) (map[string]json.RawMessage, error)
	SetNote(ctx context.Context, ownerID, key string, value any) error
	DeleteNote(ctx context.Context, ownerID, key string) error
}

// LegacyStore serves the Store contract from per-type pending slots on
// owner profiles. Each type holds at most one in-flight message; a new
// insert for an occupied slot replaces the previous message. Terminal
// transitions clear the slot, which is what makes terminal statuses
// final here: a cleared slot cannot transition again.
type LegacyStore struct {
	notes  NotesStore
	logger *slog.Logger
}

// NewLegacyStore wraps a profile notes backend as a queue store
func NewLegacyStore(notes NotesStore) *LegacyStore {
	return &LegacyStore{
		notes:  notes,
		logger: slog.Default().With("component", "queue-legacystore"),
	}
}

func (s *LegacyStore) Insert(ctx context.Context, msg *QueuedMessage) error {
	return s.notes.SetNote(ctx, msg.OwnerID, legacyKeyFor(msg.Type), msg)
}

func (s *LegacyStore) Get(ctx context.Context, id string) (*QueuedMessage, error) {
	msg, _, _, err := s.find(ctx, id)
	return msg, err
}

// find locates a message by id across every owner's pending slots
func (s *LegacyStore) find(ctx context.Context, id string) (*QueuedMessage, string, string, error) {
	owners, err := s.notes.Owners(ctx)
	if err != nil {
		return nil, "", "", err
	}
	for _, ownerID := range owners {
		msgs, err := s.ownerPending(ctx, ownerID)
		if err != nil {
			return nil, "", "", err
		}
		for key, msg := range msgs {
			if msg.ID == id {
				return msg, ownerID, key, nil
			}
		}
	}
	return nil, "", "", ErrNotFound
}

func (s *LegacyStore) ownerPending(ctx context.Context, ownerID string) (map[string]*QueuedMessage, error) {
	notes, err := s.notes.Notes(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	msgs := make(map[string]*QueuedMessage)
	for _, key := range legacyKeys {
		raw, ok := notes[key]
		if !ok {
			continue
		}
		var msg QueuedMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("Skipping malformed pending slot", "owner_id", ownerID, "key", key, "error", err)
			continue
		}
		msgs[key] = &msg
	}
	return msgs, nil
}

func (s *LegacyStore) NextPending(ctx context.Context, ownerID string, now time.Time) (*QueuedMessage, error) {
	return s.nextFiltered(ctx, ownerID, func(m *QueuedMessage) bool {
		return !m.Expired(now)
	})
}

func (s *LegacyStore) NextCandidate(ctx context.Context, ownerID string) (*QueuedMessage, error) {
	return s.nextFiltered(ctx, ownerID, func(*QueuedMessage) bool { return true })
}

func (s *LegacyStore) nextFiltered(ctx context.Context, ownerID string, keep func(*QueuedMessage) bool) (*QueuedMessage, error) {
	msgs, err := s.ownerPending(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	var best *QueuedMessage
	for _, msg := range msgs {
		if msg.Status.Terminal() || !keep(msg) {
			continue
		}
		if best == nil {
			best = msg
			continue
		}
		if msg.Priority < best.Priority ||
			(msg.Priority == best.Priority && msg.CreatedAt.Before(best.CreatedAt)) {
			best = msg
		}
	}
	if best == nil {
		return nil, ErrNoPending
	}
	return best, nil
}

func (s *LegacyStore) Transition(ctx context.Context, id string, to Status, at time.Time) error {
	msg, ownerID, key, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	if msg.Status.Terminal() {
		return ErrTerminalStatus
	}

	msg.Status = to
	switch to {
	case StatusTemplateSent:
		msg.TemplateSentAt = at
	case StatusDelivered:
		msg.DeliveredAt = at
	}

	// terminal messages leave the slot free for the next one
	if to.Terminal() {
		return s.notes.DeleteNote(ctx, ownerID, key)
	}
	return s.notes.SetNote(ctx, ownerID, key, msg)
}

func (s *LegacyStore) IncrementRetry(ctx context.Context, id string) error {
	msg, ownerID, key, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	msg.RetryCount++
	return s.notes.SetNote(ctx, ownerID, key, msg)
}

func (s *LegacyStore) ListQueued(ctx context.Context, now time.Time) ([]*QueuedMessage, error) {
	owners, err := s.notes.Owners(ctx)
	if err != nil {
		return nil, err
	}

	var queued []*QueuedMessage
	for _, ownerID := range owners {
		msgs, err := s.ownerPending(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		for _, msg := range msgs {
			if msg.Status == StatusQueued && !msg.Expired(now) {
				queued = append(queued, msg)
			}
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})
	return queued, nil
}

func (s *LegacyStore) ExpireDue(ctx context.Context, now time.Time) ([]string, error) {
	owners, err := s.notes.Owners(ctx)
	if err != nil {
		return nil, err
	}

	var expired []string
	for _, ownerID := range owners {
		msgs, err := s.ownerPending(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		for key, msg := range msgs {
			if msg.Status.Terminal() || !msg.Expired(now) {
				continue
			}
			if err := s.notes.DeleteNote(ctx, ownerID, key); err != nil {
				return nil, err
			}
			expired = append(expired, msg.ID)
		}
	}
	return expired, nil
}

func (s *LegacyStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	owners, err := s.notes.Owners(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[Status]int)
	for _, ownerID := range owners {
		msgs, err := s.ownerPending(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		for _, msg := range msgs {
			counts[msg.Status]++
		}
	}
	return counts, nil
}

// AppendAudit is a no-op on the legacy backend, which predates the audit
// trail. The event is logged so it is not silently lost.
func (s *LegacyStore) AppendAudit(ctx context.Context, event AuditEvent) error {
	s.logger.Debug("Audit event (legacy store, not persisted)",
		"event", event.Event, "message_id", event.MessageID)
	return nil
}

func (s *LegacyStore) AuditTrail(ctx context.Context, messageID string) ([]AuditEvent, error) {
	return nil, nil
}

func (s *LegacyStore) CountEventsSince(ctx context.Context, event string, since time.Time) (int, error) {
	return 0, nil
}

// MemoryNotesStore is an in-memory NotesStore for tests and local runs
type MemoryNotesStore struct {
	mu    sync.Mutex
	notes map[string]map[string]json.RawMessage
}

func NewMemoryNotesStore() *MemoryNotesStore {
	return &MemoryNotesStore{notes: make(map[string]map[string]json.RawMessage)}
}

func (m *MemoryNotesStore) Owners(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owners := make([]string, 0, len(m.notes))
	for ownerID := range m.notes {
		owners = append(owners, ownerID)
	}
	sort.Strings(owners)
	return owners, nil
}

func (m *MemoryNotesStore) Notes(ctx context.Context, ownerID string) (map[string]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]json.RawMessage, len(m.notes[ownerID]))
	for k, v := range m.notes[ownerID] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryNotesStore) SetNote(ctx context.Context, ownerID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode note %s: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notes[ownerID] == nil {
		m.notes[ownerID] = make(map[string]json.RawMessage)
	}
	m.notes[ownerID][key] = raw
	return nil
}

func (m *MemoryNotesStore) DeleteNote(ctx context.Context, ownerID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.notes[ownerID], key)
	return nil
}
