package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/go-api-guard/internal/domain"
	"github.com/go-api-guard/internal/infrastructure/kv"
	"github.com/go-api-guard/internal/pkg/validate"
)

const (
	otpPrefix      = "otp:"
	attemptsPrefix = "otp_attempts:"
)

type Config struct {
	Length      int
	Expiry      time.Duration
	MaxAttempts int
}

type Service interface {
	// Generate issues a fresh code for identifier, replacing any previous one
	// and resetting its attempt counter.
	Generate(ctx context.Context, identifier, phone string) (*domain.OTPResult, error)
	// Verify checks phone and code. Every call with well-formed input consumes
	// one attempt, whether or not it matches.
	Verify(ctx context.Context, identifier, phone, code string) (*domain.OTPResult, error)
	Invalidate(ctx context.Context, identifier string) error
	RemainingAttempts(ctx context.Context, identifier string) (int, error)
	Health(ctx context.Context) domain.Health
}

type service struct {
	store kv.Store
	cfg   Config
	now   func() time.Time
}

func NewService(store kv.Store, cfg Config) Service {
	return newService(store, cfg, time.Now)
}

func newService(store kv.Store, cfg Config, now func() time.Time) *service {
	if cfg.Length <= 0 {
		cfg.Length = 6
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &service{store: store, cfg: cfg, now: now}
}

func (s *service) Generate(ctx context.Context, identifier, phone string) (*domain.OTPResult, error) {
	if err := validate.Key("identifier", identifier); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := validate.Var("phone", phone, validate.PhoneTag); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	code, err := generateCode(s.cfg.Length)
	if err != nil {
		return nil, fmt.Errorf("generate otp code: %w", err)
	}
	value, err := json.Marshal(domain.OTPEntry{Phone: phone, OTPCode: code})
	if err != nil {
		return nil, fmt.Errorf("marshal otp entry: %w", err)
	}
	if err := s.store.Set(ctx, otpPrefix+identifier, string(value), s.cfg.Expiry); err != nil {
		return nil, unavailable("store otp", err)
	}
	if err := s.store.Set(ctx, attemptsPrefix+identifier, "0", s.cfg.Expiry); err != nil {
		return nil, unavailable("reset otp attempts", err)
	}

	slog.Info("otp generated", "identifier", truncate(identifier))
	remaining := s.cfg.MaxAttempts
	return &domain.OTPResult{
		Success:           true,
		Message:           "OTP generated successfully",
		OTP:               code,
		ExpiresAt:         s.now().Add(s.cfg.Expiry).UTC(),
		AttemptsRemaining: &remaining,
	}, nil
}

func (s *service) Verify(ctx context.Context, identifier, phone, code string) (*domain.OTPResult, error) {
	if err := validate.Key("identifier", identifier); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := validate.Var("phone", phone, validate.PhoneTag); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := validate.Digits("otp", code, s.cfg.Length); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	raw, err := s.store.Get(ctx, otpPrefix+identifier)
	if errors.Is(err, domain.ErrNotFound) {
		return &domain.OTPResult{Message: "OTP expired or not found"}, fmt.Errorf("otp %s: %w", truncate(identifier), domain.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("load otp", err)
	}
	var entry domain.OTPEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode otp entry: %w", err)
	}

	attempts, err := s.store.Incr(ctx, attemptsPrefix+identifier, s.cfg.Expiry)
	if err != nil {
		return nil, unavailable("count otp attempt", err)
	}
	if attempts > int64(s.cfg.MaxAttempts) {
		if err := s.Invalidate(ctx, identifier); err != nil {
			slog.Warn("failed to invalidate exhausted otp", "identifier", truncate(identifier), "err", err)
		}
		zero := 0
		return &domain.OTPResult{
			Message:           "Maximum verification attempts exceeded",
			AttemptsRemaining: &zero,
		}, domain.ErrAttemptsExhausted
	}
	remaining := s.cfg.MaxAttempts - int(attempts)

	if phone != entry.Phone {
		slog.Warn("otp verification failed", "identifier", truncate(identifier), "cause", "phone mismatch")
		return &domain.OTPResult{Message: "Phone number does not match", AttemptsRemaining: &remaining},
			fmt.Errorf("phone: %w", domain.ErrMismatch)
	}
	if subtle.ConstantTimeCompare([]byte(code), []byte(entry.OTPCode)) != 1 {
		slog.Warn("otp verification failed", "identifier", truncate(identifier), "cause", "invalid code")
		return &domain.OTPResult{Message: "Invalid OTP", AttemptsRemaining: &remaining},
			fmt.Errorf("code: %w", domain.ErrMismatch)
	}

	if err := s.Invalidate(ctx, identifier); err != nil {
		return nil, err
	}
	slog.Info("otp verified", "identifier", truncate(identifier))
	return &domain.OTPResult{Success: true, Message: "OTP verified successfully"}, nil
}

func (s *service) Invalidate(ctx context.Context, identifier string) error {
	if err := validate.Key("identifier", identifier); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if _, err := s.store.Delete(ctx, otpPrefix+identifier, attemptsPrefix+identifier); err != nil {
		return unavailable("invalidate otp", err)
	}
	return nil
}

func (s *service) RemainingAttempts(ctx context.Context, identifier string) (int, error) {
	if err := validate.Key("identifier", identifier); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	raw, err := s.store.Get(ctx, attemptsPrefix+identifier)
	if errors.Is(err, domain.ErrNotFound) {
		return s.cfg.MaxAttempts, nil
	}
	if err != nil {
		return 0, unavailable("load otp attempts", err)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse otp attempts %q: %w", raw, err)
	}
	return max(0, s.cfg.MaxAttempts-n), nil
}

func (s *service) Health(ctx context.Context) domain.Health {
	return kv.Probe(ctx, s.store)
}

// generateCode returns n decimal digits drawn from crypto/rand.
func generateCode(n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	ten := big.NewInt(10)
	for range n {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

func truncate(identifier string) string {
	if len(identifier) <= 8 {
		return identifier
	}
	return identifier[:8] + "..."
}
