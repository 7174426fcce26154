// Package whatsapp is the outbound transport for a WhatsApp-Business-style
// Cloud API: free-form text, pre-approved templates, media, and read
// receipts. It owns wire formats and typed provider errors; throttling and
// retry policy live in the delivery package.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sony/gobreaker"
)

const defaultAPIVersion = "v22.0"

// Client talks to the provider's messages endpoint for one sender phone
// number. The raw transport is wrapped in a failure breaker so a provider
// outage sheds load fast instead of stacking timeouts.
type Client struct {
	phoneNumberID string
	accessToken   string
	apiVersion    string
	baseURL       string
	httpClient    *http.Client
	breaker       *gobreaker.CircuitBreaker
	logger        *slog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithBaseURL overrides the provider endpoint, used by tests
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(url, "/") }
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a provider client for the given sender phone number id
func NewClient(phoneNumberID, accessToken string, opts ...Option) *Client {
	c := &Client{
		phoneNumberID: phoneNumberID,
		accessToken:   accessToken,
		apiVersion:    defaultAPIVersion,
		baseURL:       "https://graph.facebook.com",
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		logger:        slog.Default().With("component", "whatsapp-client"),
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "whatsapp-transport",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			// Validation rejections are the caller's problem, not a
			// transport failure; only transient errors open the breaker.
			return err == nil || !IsTransient(err)
		},
	})

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// sendResponse is the provider's reply to a message POST
type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SendText sends a free-form text message. Only valid inside the
// recipient's 24h session window; the provider rejects it outside.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                NormalizePhone(to),
		"type":              "text",
		"text": map[string]any{
			"preview_url": true,
			"body":        SanitizeUTF8(body),
		},
	}

	return c.postMessage(ctx, payload)
}

// TemplateComponent carries template variable values on the wire
type TemplateComponent struct {
	Type       string              `json:"type"`
	Parameters []TemplateParameter `json:"parameters"`
}

// TemplateParameter is a single template variable value
type TemplateParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// BodyComponent builds the body component for positional text parameters
func BodyComponent(values ...string) []TemplateComponent {
	params := make([]TemplateParameter, 0, len(values))
	for _, v := range values {
		params = append(params, TemplateParameter{Type: "text", Text: SanitizeUTF8(v)})
	}
	return []TemplateComponent{{Type: "body", Parameters: params}}
}

// SendTemplate sends a pre-approved template with positional body
// parameters, the only channel able to reach a recipient outside the
// session window.
func (c *Client) SendTemplate(ctx context.Context, to, templateName, languageCode string, bodyParams []string) (string, error) {
	var components []TemplateComponent
	if len(bodyParams) > 0 {
		components = BodyComponent(bodyParams...)
	}
	return c.SendTemplateComponents(ctx, to, templateName, languageCode, components)
}

// SendTemplateComponents sends a template with explicit components for
// header/button variables
func (c *Client) SendTemplateComponents(ctx context.Context, to, templateName, languageCode string, components []TemplateComponent) (string, error) {
	template := map[string]any{
		"name":     templateName,
		"language": map[string]string{"code": languageCode},
	}
	if len(components) > 0 {
		template["components"] = components
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                NormalizePhone(to),
		"type":              "template",
		"template":          template,
	}

	return c.postMessage(ctx, payload)
}

// MarkAsRead acknowledges an inbound message so the sender sees read ticks
func (c *Client) MarkAsRead(ctx context.Context, messageID string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}

	_, err := c.postMessage(ctx, payload)
	return err
}

// postMessage POSTs a payload to the messages endpoint through the breaker
// and extracts the provider message id
func (c *Client) postMessage(ctx context.Context, payload map[string]any) (string, error) {
	url := fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.apiVersion, c.phoneNumberID)

	result, err := c.breaker.Execute(func() (any, error) {
		return c.doJSON(ctx, url, payload)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return "", &APIError{StatusCode: http.StatusServiceUnavailable, Message: "transport breaker open"}
	}
	if err != nil {
		return "", err
	}

	return result.(string), nil
}

func (c *Client) doJSON(ctx context.Context, url string, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read provider response: %w", err)
	}

	var parsed sendResponse
	if err := json.Unmarshal(data, &parsed); err != nil && resp.StatusCode < 400 {
		return "", fmt.Errorf("failed to decode provider response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if parsed.Error != nil {
			apiErr.Code = parsed.Error.Code
			apiErr.Message = parsed.Error.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		c.logger.Error("provider rejected send",
			"status", resp.StatusCode,
			"code", apiErr.Code,
			"message", apiErr.Message)
		return "", apiErr
	}

	var messageID string
	if len(parsed.Messages) > 0 {
		messageID = parsed.Messages[0].ID
	}

	c.logger.Debug("provider accepted send", "provider_message_id", messageID)
	return messageID, nil
}

// NormalizePhone strips formatting and applies the MX mobile rule: numbers
// in 52 + 10 digits form need the extra 1 (521...) to route on WhatsApp.
func NormalizePhone(phone string) string {
	clean := strings.TrimPrefix(phone, "whatsapp:")
	clean = strings.ReplaceAll(clean, " ", "")
	clean = strings.TrimPrefix(clean, "+")
	if strings.HasPrefix(clean, "52") && len(clean) == 12 {
		clean = "521" + clean[2:]
	}
	return clean
}

// SanitizeUTF8 repairs double-encoded UTF-8 ("Ã©" for "é", "ð" prefixes on
// emoji) produced by upstream systems that decoded UTF-8 bytes as Latin-1.
// Text without mojibake markers passes through untouched.
func SanitizeUTF8(text string) string {
	if !strings.ContainsAny(text, "ÃÂðÅ") {
		return text
	}

	raw := make([]byte, 0, len(text))
	for _, r := range text {
		if r > 0xFF {
			// A rune outside Latin-1 means this was not a Latin-1
			// misdecode after all.
			return text
		}
		raw = append(raw, byte(r))
	}

	if utf8.Valid(raw) {
		return string(raw)
	}
	return text
}
