package domain

import "errors"

// Sentinel errors for domain-level error discrimination.
// Services wrap these so handlers can map to HTTP status codes without leaking infrastructure details.
var (
	// ErrNotFound covers absent and TTL-expired entries alike.
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// ErrStoreUnavailable marks connection, timeout and protocol failures of the shared store.
	// Rate-limit and revocation checks resolve it to their failure policy; OTP operations return it.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInvalidInput marks a malformed key, identifier, phone number or code.
	ErrInvalidInput      = errors.New("invalid input")
	ErrAttemptsExhausted = errors.New("max attempts exceeded")
	ErrMismatch          = errors.New("mismatch")
)
