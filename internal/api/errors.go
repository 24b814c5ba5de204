// Package api provides the HTTP client for the daybook server's sync
// protocol. It performs single round-trips with error classification; the
// sync layer owns all retry policy, so nothing in this package retries.
package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for transport failure classification. Each sentinel drives
// a different branch in the sync engine, so classification happens here at
// the boundary rather than by status-code checks scattered through callers.
// Use errors.Is(err, api.ErrAuthExpired) to check.
var (
	// ErrAuthExpired means the bearer token was rejected. The engine aborts
	// the round without retrying; credentials must be refreshed externally.
	ErrAuthExpired = errors.New("api: authentication expired")

	// ErrConnectivity means the request never completed (DNS, refused
	// connection, reset). Retryable.
	ErrConnectivity = errors.New("api: connectivity error")

	// ErrTimeout means the request exceeded its deadline. Treated identically
	// to connectivity failure by the engine.
	ErrTimeout = errors.New("api: request timeout")

	// ErrServerError means the server answered 5xx. Retryable.
	ErrServerError = errors.New("api: server error")

	// ErrBadRequest means the server rejected the request shape outright.
	// Not retryable; indicates a client bug or protocol mismatch.
	ErrBadRequest = errors.New("api: bad request")
)

// IsTransient reports whether the error is worth retrying with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnectivity) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrServerError)
}

// APIError wraps a sentinel error with the HTTP status code, request ID, and
// the server's error message body for debugging.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("api: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("api: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch {
	case code >= http.StatusOK && code < http.StatusMultipleChoices:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrAuthExpired
	case code == http.StatusBadRequest:
		return ErrBadRequest
	case code >= http.StatusInternalServerError:
		return ErrServerError
	default:
		return ErrBadRequest
	}
}
