// Package domain contains the core business entities and logic.
package domain

import "errors"

// Sentinel errors for common domain error cases.
// These allow handlers and workers to branch on error kinds without
// coupling to infrastructure.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidSignature indicates an inbound webhook failed signature
	// verification. The request must be rejected with no side effects.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrTenantNotFound indicates no tenant matched the webhook URL or number.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrTenantInactive indicates the tenant exists but is not active.
	ErrTenantInactive = errors.New("tenant inactive")

	// ErrDuplicateEvent indicates an event with the same idempotency key was
	// already stored for the tenant. Callers treat this as a no-op success.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrMissingCallID indicates an event carries no external call identifier.
	// This is fatal and non-retryable: processing cannot correlate the event.
	ErrMissingCallID = errors.New("missing external call id")

	// ErrQueueUnavailable indicates the task queue rejected an enqueue after
	// the event was already persisted. The event is not lost; processing is
	// delayed until the queue recovers.
	ErrQueueUnavailable = errors.New("task queue unavailable")

	// ErrInvalidInput indicates the input data is invalid or malformed.
	ErrInvalidInput = errors.New("invalid input")
)
