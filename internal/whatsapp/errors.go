package whatsapp

import (
	"errors"
	"fmt"
)

// APIError is a typed provider error. The status class decides retry
// behavior downstream: 4xx validation errors are surfaced immediately,
// 5xx/429 are transient and eligible for retry.
type APIError struct {
	StatusCode int
	Code       int    // provider-specific error code
	Message    string // provider-supplied message
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp api error (http %d, code %d): %s", e.StatusCode, e.Code, e.Message)
}

// Transient reports whether the error is worth retrying
func (e *APIError) Transient() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// IsTransient classifies an error for retry purposes: network-class
// failures and transient API errors qualify, validation errors never do.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}

	// Anything that never reached the provider (DNS, connect, timeout)
	// is network-class and retryable.
	return true
}
