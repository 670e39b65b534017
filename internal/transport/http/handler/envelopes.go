package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-api-guard/internal/domain"
)

// MessageEnvelope is the generic response wrapper.
type MessageEnvelope struct {
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
}

// OTPEnvelope wraps OTP generation and verification responses.
type OTPEnvelope struct {
	Success           bool   `json:"success"`
	Message           string `json:"message,omitempty"`
	Error             string `json:"error,omitempty"`
	ExpiresInSeconds  int    `json:"expires_in_seconds,omitempty"`
	AttemptsRemaining *int   `json:"attempts_remaining,omitempty"`
}

// SessionEnvelope echoes the verified claims of the caller.
type SessionEnvelope struct {
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	TokenID   string    `json:"jti,omitempty"`
	IssuedAt  time.Time `json:"issued_at,omitzero"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// HealthEnvelope reports every security service.
type HealthEnvelope struct {
	Status   string                   `json:"status"`
	Services map[string]domain.Health `json:"services"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, MessageEnvelope{Error: msg})
}

// statusFor maps the domain error taxonomy to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAttemptsExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// httpError writes err with its mapped status. Internal details of unexpected
// errors are logged, not returned.
func httpError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		slog.Error("request failed", "err", err)
		msg = "internal server error"
	case http.StatusServiceUnavailable:
		slog.Warn("store unavailable", "err", err)
		msg = "service temporarily unavailable"
	}
	writeError(w, status, msg)
}
