package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avandra/courier/internal/cache"
	"github.com/avandra/courier/internal/delivery"
	"github.com/avandra/courier/internal/session"
	"github.com/avandra/courier/internal/throttle"
	"github.com/avandra/courier/internal/whatsapp"
)

type fakeSender struct {
	requests     []delivery.Request
	failDirect   bool
	failTemplate bool
	deferAll     bool
}

func (f *fakeSender) Send(_ context.Context, req delivery.Request) (delivery.Result, error) {
	f.requests = append(f.requests, req)
	if f.deferAll {
		return delivery.Result{Deferred: true}, nil
	}
	if req.Mode == session.ModeDirect && f.failDirect {
		return delivery.Result{}, errors.New("direct send unavailable")
	}
	if req.Mode == session.ModeTemplate && f.failTemplate {
		return delivery.Result{}, errors.New("template rejected")
	}
	return delivery.Result{MessageIDs: []string{"wamid.test"}}, nil
}

func (f *fakeSender) last() delivery.Request {
	return f.requests[len(f.requests)-1]
}

type fakeDirectory map[string]Owner

func (d fakeDirectory) Owner(_ context.Context, id string) (Owner, error) {
	owner, ok := d[id]
	if !ok {
		return Owner{}, errors.New("unknown owner")
	}
	return owner, nil
}

const testOwner = "owner-1"

// eachStore runs fn once per backend so both satisfy the same contract
func eachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("sql", func(t *testing.T) {
		store, err := OpenSQLStore(SQLConfig{Driver: "sqlite3", Path: ":memory:"})
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		fn(t, store)
	})
	t.Run("legacy", func(t *testing.T) {
		fn(t, NewLegacyStore(NewMemoryNotesStore()))
	})
}

func newTestQueue(t *testing.T, store Store, sender Sender, sessionOpen bool) *Queue {
	t.Helper()
	profiles := session.NewMemoryProfileStore()
	if sessionOpen {
		require.NoError(t, profiles.RecordInbound(context.Background(), testOwner, time.Now()))
	}
	tracker := session.NewWindowTracker(profiles, 24*time.Hour)
	dir := fakeDirectory{
		testOwner: {ID: testOwner, Name: "Marisol Vega", Phone: "whatsapp:+52 55 1234 5678"},
	}
	return New(store, sender, tracker, dir, DefaultConfig())
}

func TestConfigForDefaults(t *testing.T) {
	alert := ConfigFor(TypeAlert)
	assert.Equal(t, 6, alert.ExpirationHours)
	assert.Equal(t, PriorityHigh, alert.Priority)

	weekly := ConfigFor(TypeWeeklySummary)
	assert.Equal(t, 72, weekly.ExpirationHours)
	assert.Equal(t, PriorityLow, weekly.Priority)

	unknown := ConfigFor(MessageType("surprise"))
	assert.Equal(t, ConfigFor(TypeNotification), unknown)
}

func TestEnqueueDirectInsideOpenSession(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		sender := &fakeSender{}
		q := newTestQueue(t, store, sender, true)

		res, err := q.Enqueue(context.Background(), testOwner, TypeBriefing, "Buenos dias, equipo", EnqueueOptions{})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, MethodDirect, res.Method)

		req := sender.last()
		assert.Equal(t, session.ModeDirect, req.Mode)
		assert.Equal(t, "5215512345678", req.Recipient)

		// nothing persisted for a direct delivery
		stats, err := q.Stats(context.Background())
		require.NoError(t, err)
		assert.Zero(t, stats.Pending)
	})
}

func TestEnqueueTemplateOutsideSession(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		sender := &fakeSender{}
		q := newTestQueue(t, store, sender, false)

		res, err := q.Enqueue(context.Background(), testOwner, TypeRecap, "Resumen del turno", EnqueueOptions{})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, MethodTemplate, res.Method)
		require.NotEmpty(t, res.MessageID)

		req := sender.last()
		assert.Equal(t, session.ModeTemplate, req.Mode)
		assert.Equal(t, "reactivar_equipo", req.TemplateName)
		assert.Equal(t, "es_MX", req.TemplateLang)
		assert.Equal(t, []string{"Marisol"}, req.TemplateParams)

		msg, err := store.Get(context.Background(), res.MessageID)
		require.NoError(t, err)
		assert.Equal(t, StatusTemplateSent, msg.Status)
		assert.False(t, msg.TemplateSentAt.IsZero())
		assert.Equal(t, PriorityMedium, msg.Priority)
	})
}

func TestEnqueueParksQueuedWhenTemplateFails(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		sender := &fakeSender{failTemplate: true}
		q := newTestQueue(t, store, sender, false)

		res, err := q.Enqueue(context.Background(), testOwner, TypeAlert, "Falla en linea 2", EnqueueOptions{})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, MethodQueued, res.Method)
		assert.NotEmpty(t, res.Err)

		msg, err := store.Get(context.Background(), res.MessageID)
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, msg.Status)
	})
}

func TestEnqueueFallsBackWhenDirectFails(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		sender := &fakeSender{failDirect: true}
		q := newTestQueue(t, store, sender, true)

		res, err := q.Enqueue(context.Background(), testOwner, TypeBriefing, "Buenos dias", EnqueueOptions{})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, MethodTemplate, res.Method)
		require.Len(t, sender.requests, 2)
		assert.Equal(t, session.ModeDirect, sender.requests[0].Mode)
		assert.Equal(t, session.ModeTemplate, sender.requests[1].Mode)
	})
}

func TestEnqueueUnknownOwnerFails(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		q := newTestQueue(t, store, &fakeSender{}, false)

		res, err := q.Enqueue(context.Background(), "nobody", TypeBriefing, "hola", EnqueueOptions{})
		assert.Error(t, err)
		assert.Equal(t, MethodFailed, res.Method)
	})
}

func TestEnqueueQuotaDeferredKeepsContent(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		sender := &fakeSender{deferAll: true}
		q := newTestQueue(t, store, sender, false)

		res, err := q.Enqueue(context.Background(), testOwner, TypeBriefing, "contenido importante", EnqueueOptions{})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, MethodQueued, res.Method)
		require.NotEmpty(t, res.MessageID)

		// the parked message carries the full body, not the template
		// request's empty content
		msg, err := q.GetNextPending(context.Background(), testOwner)
		require.NoError(t, err)
		assert.Equal(t, res.MessageID, msg.ID)
		assert.Equal(t, "contenido importante", msg.Content)
		assert.Equal(t, StatusQueued, msg.Status)

		assert.True(t, sender.last().AlreadyQueued)
	})
}

func TestEnqueueDirectQuotaDeferredParks(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		sender := &fakeSender{deferAll: true}
		q := newTestQueue(t, store, sender, true)

		res, err := q.Enqueue(context.Background(), testOwner, TypeAlert, "urgente", EnqueueOptions{})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, MethodQueued, res.Method)

		// a deferred direct attempt parks immediately, no template try
		require.Len(t, sender.requests, 1)
		assert.Equal(t, session.ModeDirect, sender.requests[0].Mode)

		msg, err := store.Get(context.Background(), res.MessageID)
		require.NoError(t, err)
		assert.Equal(t, "urgente", msg.Content)
		assert.Equal(t, StatusQueued, msg.Status)
	})
}

func TestDeliverPendingRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		sender := &fakeSender{}
		q := newTestQueue(t, store, sender, false)

		res, err := q.Enqueue(context.Background(), testOwner, TypeDailyReport, "Produccion: 412 unidades", EnqueueOptions{})
		require.NoError(t, err)
		require.Equal(t, MethodTemplate, res.Method)

		delivered, err := q.DeliverPending(context.Background(), testOwner)
		require.NoError(t, err)
		require.NotNil(t, delivered)
		assert.Equal(t, res.MessageID, delivered.ID)
		assert.Equal(t, "Produccion: 412 unidades", delivered.Content)

		req := sender.last()
		assert.Equal(t, session.ModeDirect, req.Mode)
		assert.True(t, req.Bypass)
		assert.True(t, req.AlreadyQueued)

		// terminal now, a second drain finds nothing
		again, err := q.DeliverPending(context.Background(), testOwner)
		require.NoError(t, err)
		assert.Nil(t, again)
	})
}

func TestDeliverPendingRetiresExpiredCandidate(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		sender := &fakeSender{}
		q := newTestQueue(t, store, sender, false)
		now := time.Now()

		stale := q.newMessage(testOwner, "5215512345678", TypeBriefing, "alerta vieja", EnqueueOptions{})
		stale.ExpiresAt = now.Add(-time.Minute)
		require.NoError(t, store.Insert(context.Background(), stale))

		fresh := q.newMessage(testOwner, "5215512345678", TypeNotification, "aviso vigente", EnqueueOptions{})
		require.NoError(t, store.Insert(context.Background(), fresh))

		delivered, err := q.DeliverPending(context.Background(), testOwner)
		require.NoError(t, err)
		require.NotNil(t, delivered)
		assert.Equal(t, fresh.ID, delivered.ID)

		// the stale alert was never handed to the transport
		for _, req := range sender.requests {
			assert.NotEqual(t, "alerta vieja", req.Content)
		}
	})
}

func TestDeliverPendingLeavesMessageOnSendFailure(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		sender := &fakeSender{}
		q := newTestQueue(t, store, sender, false)

		res, err := q.Enqueue(context.Background(), testOwner, TypeRecap, "contenido", EnqueueOptions{})
		require.NoError(t, err)

		sender.failDirect = true
		delivered, deliverErr := q.DeliverPending(context.Background(), testOwner)
		assert.Error(t, deliverErr)
		assert.Nil(t, delivered)

		// still pending for the next drain
		msg, err := store.Get(context.Background(), res.MessageID)
		require.NoError(t, err)
		assert.Equal(t, StatusTemplateSent, msg.Status)
	})
}

func TestDeliverPendingQuotaDeferredStaysPending(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		sender := &fakeSender{}
		q := newTestQueue(t, store, sender, false)

		res, err := q.Enqueue(context.Background(), testOwner, TypeRecap, "contenido", EnqueueOptions{})
		require.NoError(t, err)

		sender.deferAll = true
		delivered, err := q.DeliverPending(context.Background(), testOwner)
		require.NoError(t, err)
		assert.Nil(t, delivered)

		// the single record is untouched, waiting for the next drain
		msg, err := store.Get(context.Background(), res.MessageID)
		require.NoError(t, err)
		assert.Equal(t, StatusTemplateSent, msg.Status)

		stats, err := q.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Pending)
	})
}

func TestNextPendingPriorityThenFIFO(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		q := newTestQueue(t, store, &fakeSender{}, false)
		base := time.Now()

		weekly := q.newMessage(testOwner, "5215512345678", TypeWeeklySummary, "semanal", EnqueueOptions{})
		weekly.CreatedAt = base.Add(-3 * time.Hour)
		recap := q.newMessage(testOwner, "5215512345678", TypeRecap, "recap", EnqueueOptions{})
		recap.CreatedAt = base.Add(-2 * time.Hour)
		daily := q.newMessage(testOwner, "5215512345678", TypeDailyReport, "diario", EnqueueOptions{})
		daily.CreatedAt = base.Add(-1 * time.Hour)
		briefing := q.newMessage(testOwner, "5215512345678", TypeBriefing, "briefing", EnqueueOptions{})
		briefing.CreatedAt = base

		for _, msg := range []*QueuedMessage{weekly, recap, daily, briefing} {
			require.NoError(t, store.Insert(context.Background(), msg))
		}

		// priority 1 wins despite being the newest
		next, err := q.GetNextPending(context.Background(), testOwner)
		require.NoError(t, err)
		assert.Equal(t, briefing.ID, next.ID)

		require.NoError(t, store.Transition(context.Background(), briefing.ID, StatusCancelled, base))

		// among the two priority-2 messages the older recap goes first
		next, err = q.GetNextPending(context.Background(), testOwner)
		require.NoError(t, err)
		assert.Equal(t, recap.ID, next.ID)
	})
}

func TestExpireSweepIdempotent(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		q := newTestQueue(t, store, &fakeSender{}, false)
		now := time.Now()

		overdue := q.newMessage(testOwner, "5215512345678", TypeBriefing, "vencida", EnqueueOptions{})
		overdue.ExpiresAt = now.Add(-time.Hour)
		require.NoError(t, store.Insert(context.Background(), overdue))

		live := q.newMessage(testOwner, "5215512345678", TypeNotification, "vigente", EnqueueOptions{})
		require.NoError(t, store.Insert(context.Background(), live))

		swept, err := q.ExpireSweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, swept)

		swept, err = q.ExpireSweep(context.Background())
		require.NoError(t, err)
		assert.Zero(t, swept)

		// the live message is untouched
		next, err := q.GetNextPending(context.Background(), testOwner)
		require.NoError(t, err)
		assert.Equal(t, live.ID, next.ID)
	})
}

func TestTerminalStatusIsFinal(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		q := newTestQueue(t, store, &fakeSender{}, false)

		msg := q.newMessage(testOwner, "5215512345678", TypeNotification, "aviso", EnqueueOptions{})
		require.NoError(t, store.Insert(context.Background(), msg))
		require.NoError(t, store.Transition(context.Background(), msg.ID, StatusDelivered, time.Now()))

		err := q.Cancel(context.Background(), msg.ID)
		assert.Error(t, err)
	})
}

func TestDeferPersistsForLater(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		q := newTestQueue(t, store, &fakeSender{}, false)

		err := q.Defer(context.Background(), testOwner, "5215512345678", string(TypeAlert), "urgente")
		require.NoError(t, err)

		msg, err := q.GetNextPending(context.Background(), testOwner)
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, msg.Status)
		assert.Equal(t, TypeAlert, msg.Type)
		assert.Equal(t, PriorityHigh, msg.Priority)
	})
}

func TestPersistRequeuesExhaustedSend(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		q := newTestQueue(t, store, &fakeSender{}, false)

		err := q.Persist(context.Background(), delivery.FailedMessage{
			OwnerID:     testOwner,
			Recipient:   "5215512345678",
			Content:     "no pudo salir",
			MessageType: string(TypeAlert),
			Attempts:    3,
			LastError:   "status 500",
		})
		require.NoError(t, err)

		// the requeued record keeps the alert's type, priority and TTL
		msg, err := q.GetNextPending(context.Background(), testOwner)
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, msg.Status)
		assert.Equal(t, "no pudo salir", msg.Content)
		assert.Equal(t, TypeAlert, msg.Type)
		assert.Equal(t, PriorityHigh, msg.Priority)
	})
}

func TestPersistUnknownTypeDefaultsToNotification(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		q := newTestQueue(t, store, &fakeSender{}, false)

		err := q.Persist(context.Background(), delivery.FailedMessage{
			OwnerID:   testOwner,
			Recipient: "5215512345678",
			Content:   "sin tipo",
			Attempts:  3,
			LastError: "status 500",
		})
		require.NoError(t, err)

		msg, err := q.GetNextPending(context.Background(), testOwner)
		require.NoError(t, err)
		assert.Equal(t, TypeNotification, msg.Type)
		assert.Equal(t, PriorityLow, msg.Priority)
	})
}

// flakyTransport fails every free-form send with a retryable provider
// error while templates go through
type flakyTransport struct {
	textCalls int
}

func (f *flakyTransport) SendText(_ context.Context, _, _ string) (string, error) {
	f.textCalls++
	return "", &whatsapp.APIError{StatusCode: 500, Message: "server error"}
}

func (f *flakyTransport) SendTemplate(_ context.Context, _, _, _ string, _ []string) (string, error) {
	return "wamid.tpl", nil
}

func TestEnqueueRetryExhaustionLeavesSingleRecord(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		transport := &flakyTransport{}
		counter := cache.NewMemory()
		require.NoError(t, counter.Connect())

		dc := delivery.NewClient(transport,
			throttle.NewRateLimiter(100, 100),
			throttle.NewCircuitBreaker(1000, 5*time.Minute, nil),
			throttle.NewGlobalQuota(counter, 1000),
			nil, nil,
			delivery.Config{
				RetryAttempts:    3,
				RetryBaseBackoff: time.Millisecond,
				RetryMaxBackoff:  time.Millisecond,
				MaxMessageChars:  4000,
			})

		profiles := session.NewMemoryProfileStore()
		require.NoError(t, profiles.RecordInbound(context.Background(), testOwner, time.Now()))
		tracker := session.NewWindowTracker(profiles, 24*time.Hour)
		dir := fakeDirectory{
			testOwner: {ID: testOwner, Name: "Marisol Vega", Phone: "+5215512345678"},
		}
		q := New(store, dc, tracker, dir, DefaultConfig())
		dc.SetDeferrer(q)
		dc.SetSink(q)

		res, err := q.Enqueue(context.Background(), testOwner, TypeRecap, "resumen del dia", EnqueueOptions{})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, MethodTemplate, res.Method)
		assert.Equal(t, 3, transport.textCalls)

		// one logical message, exactly one live record: the exhausted
		// direct attempt must not be sunk as a second copy
		counts, err := store.CountByStatus(context.Background())
		require.NoError(t, err)
		assert.Equal(t, map[Status]int{StatusTemplateSent: 1}, counts)
	})
}

func TestProcessQueuedPromotesAndExhausts(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		sender := &fakeSender{failTemplate: true}
		q := newTestQueue(t, store, sender, false)

		msg := q.newMessage(testOwner, "5215512345678", TypeRecap, "recap pendiente", EnqueueOptions{})
		require.NoError(t, store.Insert(context.Background(), msg))

		// each failing pass burns one retry
		for i := 1; i <= q.config.MaxRetries; i++ {
			moved, err := q.ProcessQueued(context.Background())
			require.NoError(t, err)
			assert.Zero(t, moved)

			got, err := store.Get(context.Background(), msg.ID)
			require.NoError(t, err)
			assert.Equal(t, i, got.RetryCount)
		}

		// out of retries, the next pass gives up on it
		moved, err := q.ProcessQueued(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, moved)
		_, err = q.GetNextPending(context.Background(), testOwner)
		assert.ErrorIs(t, err, ErrNoPending)
	})
}

func TestProcessQueuedQuotaDeferralKeepsRetries(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		sender := &fakeSender{deferAll: true}
		q := newTestQueue(t, store, sender, false)

		msg := q.newMessage(testOwner, "5215512345678", TypeRecap, "recap pendiente", EnqueueOptions{})
		require.NoError(t, store.Insert(context.Background(), msg))

		// sustained quota pressure must not consume the retry budget
		for i := 0; i < q.config.MaxRetries+1; i++ {
			moved, err := q.ProcessQueued(context.Background())
			require.NoError(t, err)
			assert.Zero(t, moved)
		}

		got, err := store.Get(context.Background(), msg.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, got.Status)
		assert.Zero(t, got.RetryCount)
	})
}

func TestProcessQueuedSendsTemplate(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		sender := &fakeSender{}
		q := newTestQueue(t, store, sender, false)

		msg := q.newMessage(testOwner, "5215512345678", TypeRecap, "recap pendiente", EnqueueOptions{})
		require.NoError(t, store.Insert(context.Background(), msg))

		moved, err := q.ProcessQueued(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, moved)

		got, err := store.Get(context.Background(), msg.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusTemplateSent, got.Status)

		req := sender.last()
		assert.Equal(t, session.ModeTemplate, req.Mode)
		assert.True(t, req.AlreadyQueued)
	})
}

func TestStatsCountsPending(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		q := newTestQueue(t, store, &fakeSender{failTemplate: true}, false)

		_, err := q.Enqueue(context.Background(), testOwner, TypeAlert, "uno", EnqueueOptions{})
		require.NoError(t, err)
		_, err = q.Enqueue(context.Background(), testOwner, TypeRecap, "dos", EnqueueOptions{})
		require.NoError(t, err)

		stats, err := q.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Pending)
		assert.Equal(t, 2, stats.ByStatus[StatusQueued])
	})
}

func TestAuditTrailRecordsLifecycle(t *testing.T) {
	store, err := OpenSQLStore(SQLConfig{Driver: "sqlite3", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sender := &fakeSender{}
	q := newTestQueue(t, store, sender, false)

	res, err := q.Enqueue(context.Background(), testOwner, TypeBriefing, "buenos dias", EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.DeliverPending(context.Background(), testOwner)
	require.NoError(t, err)

	trail, err := q.AuditTrail(context.Background(), res.MessageID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "template_sent", trail[0].Event)
	assert.Equal(t, "delivered", trail[1].Event)
	assert.Equal(t, "reactivar_equipo", trail[0].Detail["template"])

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeliveredLast24h)
	assert.Zero(t, stats.ExpiredLast24h)
}
