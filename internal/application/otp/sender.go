package otp

import (
	"context"
	"log/slog"
)

// Sender delivers a generated code to the citizen's phone.
type Sender interface {
	SendCode(ctx context.Context, phone, code string) error
}

// LogSender stands in for an SMS gateway. The code itself is logged only
// when RevealCode is set, which is meant for development.
type LogSender struct {
	RevealCode bool
}

func (s LogSender) SendCode(_ context.Context, phone, code string) error {
	attrs := []any{"phone", MaskPhone(phone)}
	if s.RevealCode {
		attrs = append(attrs, "code", code)
	}
	slog.Info("otp ready for delivery", attrs...)
	return nil
}

// MaskPhone keeps the last four digits.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "****" + phone[len(phone)-4:]
}
