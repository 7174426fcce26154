// Package delivery orchestrates outbound sends: every physical call first
// clears the per-recipient rate limiter, the circuit breaker, and the
// provider-wide quota, then goes out with bounded retry and chunking.
// Sends the quota defers and retries cannot save are handed to collaborators
// instead of being dropped.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/avandra/courier/internal/metrics"
	"github.com/avandra/courier/internal/session"
	"github.com/avandra/courier/internal/throttle"
	"github.com/avandra/courier/internal/whatsapp"
)

// Transport is the raw provider client, satisfied by whatsapp.Client
type Transport interface {
	SendText(ctx context.Context, to, body string) (string, error)
	SendTemplate(ctx context.Context, to, templateName, languageCode string, bodyParams []string) (string, error)
}

// FailedMessage captures a send that exhausted its retries, persisted so an
// external reconciliation process can re-attempt it
type FailedMessage struct {
	OwnerID     string
	Recipient   string
	Content     string
	MessageType string // queue message type of the original send
	Mode        session.DeliveryMode
	Attempts    int
	LastError   string
	FailedAt    time.Time
}

// FailedMessageSink persists exhausted sends
type FailedMessageSink interface {
	Persist(ctx context.Context, msg FailedMessage) error
}

// Deferrer absorbs sends that the global quota refused, rerouting them into
// the message queue instead of failing the caller
type Deferrer interface {
	Defer(ctx context.Context, ownerID, recipient, messageType, content string) error
}

// Config holds delivery tuning constants
type Config struct {
	RetryAttempts    int           // total attempts per physical call
	RetryBaseBackoff time.Duration // first retry delay
	RetryMaxBackoff  time.Duration // backoff cap
	MaxMessageChars  int           // hard channel limit per message
}

// DefaultConfig returns sensible delivery defaults
func DefaultConfig() Config {
	return Config{
		RetryAttempts:    3,
		RetryBaseBackoff: 1 * time.Second,
		RetryMaxBackoff:  10 * time.Second,
		MaxMessageChars:  4000,
	}
}

// Request is one logical outbound send
type Request struct {
	OwnerID        string // recipient's id in the profile store
	Recipient      string // destination phone
	Content        string
	MessageType    string // queue message type, used when deferring
	Mode           session.DeliveryMode
	Bypass         bool     // live conversational reply: skip per-recipient caps and breaker
	AlreadyQueued  bool     // the caller owns queue persistence for this payload: never defer or sink it
	TemplateName   string   // template mode only
	TemplateLang   string   // template mode only
	TemplateParams []string // template mode only
}

// Result reports how a send concluded
type Result struct {
	Deferred   bool     // rerouted into the queue by the global quota
	MessageIDs []string // provider ids, one per chunk
}

// Client coordinates throttling, chunking, retry and failure handoff around
// a Transport
type Client struct {
	transport Transport
	limiter   *throttle.RateLimiter
	breaker   *throttle.CircuitBreaker
	quota     *throttle.GlobalQuota
	sink      FailedMessageSink
	deferrer  Deferrer
	config    Config
	logger    *slog.Logger
	sleep     func(time.Duration)
	now       func() time.Time
}

// NewClient creates a delivery client. sink and deferrer may be nil, in
// which case exhausted sends only propagate as errors and quota denies fail
// instead of deferring.
func NewClient(transport Transport, limiter *throttle.RateLimiter, breaker *throttle.CircuitBreaker, quota *throttle.GlobalQuota, sink FailedMessageSink, deferrer Deferrer, config Config) *Client {
	return &Client{
		transport: transport,
		limiter:   limiter,
		breaker:   breaker,
		quota:     quota,
		sink:      sink,
		deferrer:  deferrer,
		config:    config,
		logger:    slog.Default().With("component", "delivery"),
		sleep:     time.Sleep,
		now:       time.Now,
	}
}

// SetDeferrer wires the queue after construction. The queue depends on the
// delivery client for immediate sends, so one side has to attach late.
func (c *Client) SetDeferrer(d Deferrer) {
	c.deferrer = d
}

// SetSink wires the failed-message sink after construction, for the same
// reason as SetDeferrer
func (c *Client) SetSink(s FailedMessageSink) {
	c.sink = s
}

// Send performs one logical send. Guards run in order: rate limiter,
// circuit breaker, global quota. A quota deny defers into the queue and
// reports Deferred rather than erroring. Oversized direct content goes out
// as ordered chunks; a mid-sequence failure leaves earlier chunks delivered
// even though the call reports failure.
func (c *Client) Send(ctx context.Context, req Request) (Result, error) {
	if err := c.limiter.CheckAndRecord(req.Recipient, req.Bypass); err != nil {
		metrics.SendsDenied.WithLabelValues("rate_limit").Inc()
		return Result{}, err
	}

	if !req.Bypass {
		if err := c.breaker.RecordSend(ctx); err != nil {
			metrics.SendsDenied.WithLabelValues("circuit_open").Inc()
			return Result{}, err
		}
	}

	if !c.quota.Allow(ctx) {
		metrics.SendsDenied.WithLabelValues("global_quota").Inc()
		if req.AlreadyQueued {
			// the caller keeps or makes the payload durable itself
			return Result{Deferred: true}, nil
		}
		if c.deferrer == nil {
			return Result{}, fmt.Errorf("global quota exceeded and no deferrer configured")
		}
		if err := c.deferrer.Defer(ctx, req.OwnerID, req.Recipient, req.MessageType, req.Content); err != nil {
			return Result{}, fmt.Errorf("failed to defer quota-limited send: %w", err)
		}
		c.logger.Info("send deferred by global quota",
			"recipient", req.Recipient,
			"message_type", req.MessageType)
		return Result{Deferred: true}, nil
	}

	if req.Mode == session.ModeTemplate {
		id, err := c.sendWithRetry(ctx, req, func() (string, error) {
			return c.transport.SendTemplate(ctx, req.Recipient, req.TemplateName, req.TemplateLang, req.TemplateParams)
		})
		if err != nil {
			metrics.SendsTotal.WithLabelValues("template", "failed").Inc()
			return Result{}, err
		}
		metrics.SendsTotal.WithLabelValues("template", "delivered").Inc()
		return Result{MessageIDs: []string{id}}, nil
	}

	chunks := Chunk(req.Content, c.config.MaxMessageChars)
	result := Result{MessageIDs: make([]string, 0, len(chunks))}
	for i, chunk := range chunks {
		chunk := chunk
		id, err := c.sendWithRetry(ctx, req, func() (string, error) {
			return c.transport.SendText(ctx, req.Recipient, chunk)
		})
		if err != nil {
			metrics.SendsTotal.WithLabelValues("direct", "failed").Inc()
			return result, fmt.Errorf("chunk %d/%d failed after %d delivered: %w",
				i+1, len(chunks), len(result.MessageIDs), err)
		}
		result.MessageIDs = append(result.MessageIDs, id)
	}

	metrics.SendsTotal.WithLabelValues("direct", "delivered").Inc()
	return result, nil
}

// sendWithRetry runs one physical call with bounded exponential backoff and
// jitter. Only transient errors (5xx/429/network) are retried; validation
// errors surface immediately. On exhaustion the payload and last error go
// to the failed-message sink before the error propagates.
func (c *Client) sendWithRetry(ctx context.Context, req Request, call func() (string, error)) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.config.RetryAttempts; attempt++ {
		id, err := call()
		if err == nil {
			return id, nil
		}
		lastErr = err

		if !whatsapp.IsTransient(err) {
			c.logger.Warn("send rejected by provider, not retrying",
				"recipient", req.Recipient,
				"error", err)
			return "", err
		}

		if attempt < c.config.RetryAttempts {
			delay := c.backoff(attempt)
			c.logger.Info("transient send failure, backing off",
				"recipient", req.Recipient,
				"attempt", attempt,
				"delay", delay,
				"error", err)
			c.sleep(delay)
		}
	}

	c.logger.Error("send failed after all retries",
		"recipient", req.Recipient,
		"attempts", c.config.RetryAttempts,
		"error", lastErr)

	if c.sink != nil && !req.AlreadyQueued {
		failed := FailedMessage{
			OwnerID:     req.OwnerID,
			Recipient:   req.Recipient,
			Content:     req.Content,
			MessageType: req.MessageType,
			Mode:        req.Mode,
			Attempts:    c.config.RetryAttempts,
			LastError:   lastErr.Error(),
			FailedAt:    c.now(),
		}
		if err := c.sink.Persist(ctx, failed); err != nil {
			c.logger.Error("failed-message sink write failed", "error", err)
		}
	}

	return "", fmt.Errorf("send to %s exhausted %d attempts: %w", req.Recipient, c.config.RetryAttempts, lastErr)
}

// backoff computes the delay before the next attempt: exponential with
// ±25% jitter, capped
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.config.RetryBaseBackoff << (attempt - 1)
	if delay > c.config.RetryMaxBackoff {
		delay = c.config.RetryMaxBackoff
	}
	jitter := time.Duration(float64(delay) * 0.25 * (2*rand.Float64() - 1))
	return delay + jitter
}
