package domain

import "time"

// OTPEntry is the stored one-time code for an identifier (for example a grievance ID).
type OTPEntry struct {
	Phone   string `json:"phone"`
	OTPCode string `json:"otp_code"`
}

// OTPResult is returned by OTP operations. On failures it travels alongside a
// wrapped domain error so callers can tell a wrong code from an unavailable store.
type OTPResult struct {
	Success           bool      `json:"success"`
	Message           string    `json:"message,omitempty"`
	OTP               string    `json:"-"`
	ExpiresAt         time.Time `json:"expires_at,omitzero"`
	AttemptsRemaining *int      `json:"attempts_remaining,omitempty"`
}
