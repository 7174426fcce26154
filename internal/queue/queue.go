package queue

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/avandra/courier/internal/delivery"
	"github.com/avandra/courier/internal/metrics"
	"github.com/avandra/courier/internal/session"
	"github.com/avandra/courier/internal/whatsapp"
)

// Owner is the slice of a recipient profile the queue needs
type Owner struct {
	ID    string
	Name  string
	Phone string
}

// OwnerDirectory resolves owner ids to contact details
type OwnerDirectory interface {
	Owner(ctx context.Context, id string) (Owner, error)
}

// Sender performs one guarded outbound send, satisfied by delivery.Client
type Sender interface {
	Send(ctx context.Context, req delivery.Request) (delivery.Result, error)
}

// Config holds queue service tuning
type Config struct {
	TemplateLang string `toml:"template_lang"` // language for reactivation templates
	MaxRetries   int    `toml:"max_retries"`   // template attempts per queued message
}

// DefaultConfig returns the queue defaults
func DefaultConfig() Config {
	return Config{
		TemplateLang: "es_MX",
		MaxRetries:   3,
	}
}

// Queue decides for each outbound message between immediate delivery, a
// reactivation template with the content parked, and a persisted-only hold.
// It also drains parked messages when their owner re-engages and retires
// the ones that age out.
type Queue struct {
	store   Store
	sender  Sender
	tracker *session.WindowTracker
	owners  OwnerDirectory
	config  Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a queue service over the given store
func New(store Store, sender Sender, tracker *session.WindowTracker, owners OwnerDirectory, config Config) *Queue {
	return &Queue{
		store:   store,
		sender:  sender,
		tracker: tracker,
		owners:  owners,
		config:  config,
		logger:  slog.Default().With("component", "queue"),
		now:     time.Now,
	}
}

// Enqueue routes one message to its owner. Inside an open session window
// the content goes out directly and nothing is persisted. Outside it, a
// reactivation template is sent and the content parks as template_sent
// until the owner replies. When even the template cannot go out the
// content parks as queued.
func (q *Queue) Enqueue(ctx context.Context, ownerID string, msgType MessageType, content string, opts EnqueueOptions) (EnqueueResult, error) {
	owner, err := q.owners.Owner(ctx, ownerID)
	if err != nil {
		q.logger.Error("owner lookup failed", "owner_id", ownerID, "error", err)
		return EnqueueResult{Method: MethodFailed, Err: err.Error()}, err
	}
	phone := whatsapp.NormalizePhone(owner.Phone)

	// Enqueue persists this message itself when a send cannot complete;
	// both attempts below carry AlreadyQueued so the delivery layer never
	// re-queues the payload on its own.
	msg := q.newMessage(ownerID, phone, msgType, content, opts)

	if q.tracker.IsSessionOpen(ctx, ownerID) {
		res, err := q.sender.Send(ctx, delivery.Request{
			OwnerID:       ownerID,
			Recipient:     phone,
			Content:       content,
			MessageType:   string(msgType),
			Mode:          session.ModeDirect,
			AlreadyQueued: true,
		})
		switch {
		case err == nil && res.Deferred:
			return q.park(ctx, msg)
		case err == nil:
			q.audit(ctx, "", "direct_sent", map[string]string{
				"owner_id":     ownerID,
				"message_type": string(msgType),
			})
			return EnqueueResult{Success: true, Method: MethodDirect}, nil
		default:
			q.logger.Warn("direct send failed, falling back to template",
				"owner_id", ownerID, "error", err)
		}
	}

	cfg := ConfigFor(msgType)
	res, sendErr := q.sender.Send(ctx, delivery.Request{
		OwnerID:        ownerID,
		Recipient:      phone,
		MessageType:    string(msgType),
		Mode:           session.ModeTemplate,
		AlreadyQueued:  true,
		TemplateName:   cfg.TemplateName,
		TemplateLang:   q.config.TemplateLang,
		TemplateParams: []string{shortName(owner.Name)},
	})
	if sendErr == nil && res.Deferred {
		return q.park(ctx, msg)
	}

	if sendErr == nil {
		msg.Status = StatusTemplateSent
		msg.TemplateSentAt = q.now()
	}
	if err := q.store.Insert(ctx, msg); err != nil {
		q.logger.Error("failed to persist queued message", "owner_id", ownerID, "error", err)
		return EnqueueResult{Method: MethodFailed, Err: err.Error()}, err
	}
	metrics.QueueTransitions.WithLabelValues(string(msg.Status)).Inc()
	q.refreshDepth(ctx)

	if sendErr != nil {
		q.audit(ctx, msg.ID, "queued", map[string]string{"reason": sendErr.Error()})
		return EnqueueResult{Success: false, Method: MethodQueued, MessageID: msg.ID, Err: sendErr.Error()}, nil
	}

	q.audit(ctx, msg.ID, "template_sent", map[string]string{"template": cfg.TemplateName})
	return EnqueueResult{Success: true, Method: MethodTemplate, MessageID: msg.ID}, nil
}

// park persists a message the global quota kept from going out. It stays
// queued with its full content until a drain or sweep picks it up.
func (q *Queue) park(ctx context.Context, msg *QueuedMessage) (EnqueueResult, error) {
	if err := q.store.Insert(ctx, msg); err != nil {
		q.logger.Error("failed to persist quota-deferred message", "owner_id", msg.OwnerID, "error", err)
		return EnqueueResult{Method: MethodFailed, Err: err.Error()}, err
	}
	metrics.QueueTransitions.WithLabelValues(string(StatusQueued)).Inc()
	q.audit(ctx, msg.ID, "deferred", map[string]string{"reason": "global quota"})
	q.refreshDepth(ctx)
	return EnqueueResult{Success: true, Method: MethodQueued, MessageID: msg.ID}, nil
}

func (q *Queue) newMessage(ownerID, phone string, msgType MessageType, content string, opts EnqueueOptions) *QueuedMessage {
	cfg := ConfigFor(msgType)
	priority := cfg.Priority
	if opts.Priority != 0 {
		priority = opts.Priority
	}
	ttl := cfg.ExpirationHours
	if opts.TTLHours != 0 {
		ttl = opts.TTLHours
	}

	now := q.now()
	return &QueuedMessage{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		RecipientPhone: phone,
		Type:           msgType,
		Content:        content,
		Status:         StatusQueued,
		Priority:       priority,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Duration(ttl) * time.Hour),
	}
}

// GetNextPending returns the owner's best deliverable message without
// sending anything
func (q *Queue) GetNextPending(ctx context.Context, ownerID string) (*QueuedMessage, error) {
	return q.store.NextPending(ctx, ownerID, q.now())
}

// DeliverPending pops the owner's best pending message and sends it
// directly, to be called when an inbound message reopens the session
// window. A candidate found expired at pop time is retired and the next
// one tried. Returns the delivered message, or nil when nothing pending
// remained or the send could not complete (the message then stays
// pending).
func (q *Queue) DeliverPending(ctx context.Context, ownerID string) (*QueuedMessage, error) {
	for {
		msg, err := q.store.NextCandidate(ctx, ownerID)
		if err == ErrNoPending {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		now := q.now()
		if msg.Expired(now) {
			if err := q.store.Transition(ctx, msg.ID, StatusExpired, now); err != nil && err != ErrTerminalStatus {
				return nil, err
			}
			metrics.QueueTransitions.WithLabelValues(string(StatusExpired)).Inc()
			q.audit(ctx, msg.ID, "expired", map[string]string{"at": "delivery"})
			continue
		}

		res, err := q.sender.Send(ctx, delivery.Request{
			OwnerID:       ownerID,
			Recipient:     msg.RecipientPhone,
			Content:       msg.Content,
			MessageType:   string(msg.Type),
			Mode:          session.ModeDirect,
			Bypass:        true,
			AlreadyQueued: true,
		})
		if err != nil || res.Deferred {
			q.logger.Warn("pending delivery held back",
				"owner_id", ownerID,
				"message_id", msg.ID,
				"deferred", res.Deferred,
				"error", err)
			return nil, err
		}

		if err := q.store.Transition(ctx, msg.ID, StatusDelivered, q.now()); err != nil {
			return nil, err
		}
		metrics.QueueTransitions.WithLabelValues(string(StatusDelivered)).Inc()
		q.audit(ctx, msg.ID, "delivered", nil)
		q.refreshDepth(ctx)
		return msg, nil
	}
}

// ProcessQueued retries the reactivation template for messages still in
// status queued, usually because the template itself failed at enqueue
// time. A message that exhausts its retries goes to failed. Returns how
// many messages moved out of queued.
func (q *Queue) ProcessQueued(ctx context.Context) (int, error) {
	msgs, err := q.store.ListQueued(ctx, q.now())
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, msg := range msgs {
		if msg.RetryCount >= q.config.MaxRetries {
			if err := q.store.Transition(ctx, msg.ID, StatusFailed, q.now()); err != nil {
				if err == ErrTerminalStatus {
					continue
				}
				return moved, err
			}
			metrics.QueueTransitions.WithLabelValues(string(StatusFailed)).Inc()
			q.audit(ctx, msg.ID, "failed", map[string]string{"reason": "template retries exhausted"})
			moved++
			continue
		}

		owner, err := q.owners.Owner(ctx, msg.OwnerID)
		if err != nil {
			q.logger.Warn("owner lookup failed during queued sweep",
				"owner_id", msg.OwnerID, "error", err)
			continue
		}

		cfg := ConfigFor(msg.Type)
		res, err := q.sender.Send(ctx, delivery.Request{
			OwnerID:        msg.OwnerID,
			Recipient:      msg.RecipientPhone,
			MessageType:    string(msg.Type),
			Mode:           session.ModeTemplate,
			AlreadyQueued:  true,
			TemplateName:   cfg.TemplateName,
			TemplateLang:   q.config.TemplateLang,
			TemplateParams: []string{shortName(owner.Name)},
		})
		if err != nil {
			if incErr := q.store.IncrementRetry(ctx, msg.ID); incErr != nil {
				return moved, incErr
			}
			continue
		}
		if res.Deferred {
			// quota pressure, not a send failure; keep the retry budget
			continue
		}

		if err := q.store.Transition(ctx, msg.ID, StatusTemplateSent, q.now()); err != nil {
			if err == ErrTerminalStatus {
				continue
			}
			return moved, err
		}
		metrics.QueueTransitions.WithLabelValues(string(StatusTemplateSent)).Inc()
		q.audit(ctx, msg.ID, "template_sent", map[string]string{"template": cfg.TemplateName, "retry": "true"})
		moved++
	}
	return moved, nil
}

// ExpireSweep retires every message past its deadline. Safe to run
// repeatedly; a second sweep over the same instant finds nothing.
func (q *Queue) ExpireSweep(ctx context.Context) (int, error) {
	ids, err := q.store.ExpireDue(ctx, q.now())
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		metrics.QueueTransitions.WithLabelValues(string(StatusExpired)).Inc()
		q.audit(ctx, id, "expired", map[string]string{"at": "sweep"})
	}
	metrics.SweepExpired.Add(float64(len(ids)))
	q.refreshDepth(ctx)
	return len(ids), nil
}

// Cancel retires one message without delivering it
func (q *Queue) Cancel(ctx context.Context, id string) error {
	if err := q.store.Transition(ctx, id, StatusCancelled, q.now()); err != nil {
		return err
	}
	metrics.QueueTransitions.WithLabelValues(string(StatusCancelled)).Inc()
	q.audit(ctx, id, "cancelled", nil)
	q.refreshDepth(ctx)
	return nil
}

// Stats summarizes the queue's current population. The 24h figures come
// from the audit trail and read as zero on backends without one.
type Stats struct {
	Pending          int            `json:"pending"` // queued plus template_sent
	ByStatus         map[Status]int `json:"by_status"`
	DeliveredLast24h int            `json:"delivered_last_24h"`
	ExpiredLast24h   int            `json:"expired_last_24h"`
}

// Stats returns the per-status message counts and recent activity
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	pending := counts[StatusQueued] + counts[StatusTemplateSent]
	metrics.QueueDepth.Set(float64(pending))

	since := q.now().Add(-24 * time.Hour)
	delivered, err := q.store.CountEventsSince(ctx, "delivered", since)
	if err != nil {
		return Stats{}, err
	}
	expired, err := q.store.CountEventsSince(ctx, "expired", since)
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		Pending:          pending,
		ByStatus:         counts,
		DeliveredLast24h: delivered,
		ExpiredLast24h:   expired,
	}, nil
}

// AuditTrail returns the recorded events for one message, oldest first
func (q *Queue) AuditTrail(ctx context.Context, messageID string) ([]AuditEvent, error) {
	return q.store.AuditTrail(ctx, messageID)
}

// Defer implements delivery.Deferrer: a send the global quota refused is
// persisted as queued so a later drain or sweep picks it up.
func (q *Queue) Defer(ctx context.Context, ownerID, recipient, messageType, content string) error {
	msg := q.newMessage(ownerID, recipient, MessageType(messageType), content, EnqueueOptions{})
	if err := q.store.Insert(ctx, msg); err != nil {
		return err
	}
	metrics.QueueTransitions.WithLabelValues(string(StatusQueued)).Inc()
	q.audit(ctx, msg.ID, "deferred", map[string]string{"reason": "global quota"})
	q.refreshDepth(ctx)
	return nil
}

// Persist implements delivery.FailedMessageSink: a send that exhausted its
// retries re-enters the queue so reconciliation can pick it up once the
// provider recovers. The message keeps its original type and with it its
// priority and TTL profile.
func (q *Queue) Persist(ctx context.Context, failed delivery.FailedMessage) error {
	msgType := MessageType(failed.MessageType)
	if _, ok := typeConfigs[msgType]; !ok {
		msgType = TypeNotification
	}
	msg := q.newMessage(failed.OwnerID, failed.Recipient, msgType, failed.Content, EnqueueOptions{})
	if err := q.store.Insert(ctx, msg); err != nil {
		return err
	}
	metrics.QueueTransitions.WithLabelValues(string(StatusQueued)).Inc()
	q.audit(ctx, msg.ID, "requeued", map[string]string{
		"reason":   failed.LastError,
		"attempts": strconv.Itoa(failed.Attempts),
	})
	q.refreshDepth(ctx)
	return nil
}

// audit records one event, best effort. Queue operations never fail
// because the trail could not be written.
func (q *Queue) audit(ctx context.Context, messageID, event string, detail map[string]string) {
	err := q.store.AppendAudit(ctx, AuditEvent{
		ID:        uuid.NewString(),
		MessageID: messageID,
		Event:     event,
		Detail:    detail,
		CreatedAt: q.now(),
	})
	if err != nil {
		q.logger.Warn("audit write failed", "event", event, "message_id", messageID, "error", err)
	}
}

func (q *Queue) refreshDepth(ctx context.Context) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return
	}
	metrics.QueueDepth.Set(float64(counts[StatusQueued] + counts[StatusTemplateSent]))
}

// shortName reduces a full name to the first given name for template
// body parameters
func shortName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "equipo"
	}
	return fields[0]
}
