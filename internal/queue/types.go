// Package queue is the durable holding area for operator-directed messages
// that could not be delivered immediately. Messages carry a priority and a
// TTL, drain when their owner re-engages, and leave an append-only audit
// trail. Two interchangeable backing stores are supported during the
// storage migration: the current dedicated table and the legacy fields
// embedded on the owner's profile record.
package queue

import (
	"time"
)

// MessageType classifies a queued message and selects its default
// priority, TTL and reactivation template.
type MessageType string

const (
	TypeBriefing      MessageType = "briefing"
	TypeRecap         MessageType = "recap"
	TypeDailyReport   MessageType = "reporte_diario"
	TypeWeeklySummary MessageType = "resumen_semanal"
	TypeAlert         MessageType = "alerta"
	TypeNotification  MessageType = "notificacion"
)

// Status is the delivery lifecycle state of a queued message. delivered,
// expired, failed and cancelled are terminal and mutually exclusive; a
// message never leaves a terminal status.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusTemplateSent Status = "template_sent"
	StatusDelivered    Status = "delivered"
	StatusExpired      Status = "expired"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether s is a terminal status
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusExpired, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Message priorities. Lower number delivers first.
const (
	PriorityHigh   = 1
	PriorityMedium = 2
	PriorityLow    = 3
)

// TypeConfig holds the per-type delivery defaults
type TypeConfig struct {
	ExpirationHours int
	Priority        int
	TemplateName    string
}

// typeConfigs is the per-message-type default table. Alerts are urgent and
// stale fast; weekly summaries keep for three days.
var typeConfigs = map[MessageType]TypeConfig{
	TypeBriefing:      {ExpirationHours: 18, Priority: PriorityHigh, TemplateName: "reactivar_equipo"},
	TypeRecap:         {ExpirationHours: 18, Priority: PriorityMedium, TemplateName: "reactivar_equipo"},
	TypeDailyReport:   {ExpirationHours: 24, Priority: PriorityMedium, TemplateName: "reactivar_equipo"},
	TypeWeeklySummary: {ExpirationHours: 72, Priority: PriorityLow, TemplateName: "reactivar_equipo"},
	TypeAlert:         {ExpirationHours: 6, Priority: PriorityHigh, TemplateName: "reactivar_equipo"},
	TypeNotification:  {ExpirationHours: 48, Priority: PriorityLow, TemplateName: "reactivar_equipo"},
}

// ConfigFor returns the defaults for a message type, falling back to the
// notification profile for unknown types
func ConfigFor(t MessageType) TypeConfig {
	if cfg, ok := typeConfigs[t]; ok {
		return cfg
	}
	return typeConfigs[TypeNotification]
}

// QueuedMessage is one durable pending message for an owner
type QueuedMessage struct {
	ID             string      `json:"id"`
	OwnerID        string      `json:"owner_id"`
	RecipientPhone string      `json:"recipient_phone"`
	Type           MessageType `json:"message_type"`
	Content        string      `json:"content"`
	Status         Status      `json:"status"`
	Priority       int         `json:"priority"`
	RetryCount     int         `json:"retry_count"`
	CreatedAt      time.Time   `json:"created_at"`
	TemplateSentAt time.Time   `json:"template_sent_at,omitempty"`
	DeliveredAt    time.Time   `json:"delivered_at,omitempty"`
	ExpiresAt      time.Time   `json:"expires_at,omitempty"`
}

// Expired reports whether the message is past due at the given time. A
// zero ExpiresAt never expires.
func (m *QueuedMessage) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// AuditEvent is one append-only entry in a message's audit trail
type AuditEvent struct {
	ID        string            `json:"id"`
	MessageID string            `json:"message_id,omitempty"`
	Event     string            `json:"event"`
	Detail    map[string]string `json:"detail,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// EnqueueOptions override the per-type defaults for one message
type EnqueueOptions struct {
	Priority int // 1=high .. 3=low, 0 uses the type default
	TTLHours int // 0 uses the type default
}

// Method describes how an enqueue request concluded
type Method string

const (
	MethodDirect   Method = "direct"   // sent free-form inside an open session
	MethodTemplate Method = "template" // reactivation template sent, message parked
	MethodQueued   Method = "queued"   // persisted only, nothing reached the recipient
	MethodFailed   Method = "failed"   // nothing sent and nothing persisted
)

// EnqueueResult reports the outcome of an enqueue request
type EnqueueResult struct {
	Success   bool
	Method    Method
	MessageID string // set when a QueuedMessage was persisted
	Err       string
}
