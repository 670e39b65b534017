package revocation

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-api-guard/internal/domain"
	"github.com/go-api-guard/internal/infrastructure/kv"
	"github.com/go-api-guard/internal/pkg/validate"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/time/rate"
)

const (
	tokenPrefix = "blacklist:token:"
	userPrefix  = "blacklist:user:"
)

// errFallbackMiss marks a lookup that missed while the primary store was bypassed.
var errFallbackMiss = errors.New("not found in fallback store")

type Config struct {
	FailClosed bool
	// UserTTL bounds how long a per-user marker lives; it must cover the longest token lifetime.
	UserTTL time.Duration
}

type Service interface {
	// Blacklist revokes token until expiresAt. Already expired tokens are a successful no-op.
	Blacklist(ctx context.Context, token string, expiresAt time.Time, userID, reason string) error
	IsBlacklisted(ctx context.Context, token string) (bool, error)
	// BlacklistAllForUser revokes every token of userID issued up to now.
	BlacklistAllForUser(ctx context.Context, userID, reason string) error
	IsUserTokenValid(ctx context.Context, userID string, issuedAt time.Time) (bool, error)
	Stats(ctx context.Context) (domain.RevocationStats, error)
	Health(ctx context.Context) domain.Health
}

type service struct {
	store kv.Store
	cfg   Config
	now   func() time.Time
	warn  rate.Sometimes
}

func NewService(store kv.Store, cfg Config) Service {
	return newService(store, cfg, time.Now)
}

func newService(store kv.Store, cfg Config, now func() time.Time) *service {
	if cfg.UserTTL <= 0 {
		cfg.UserTTL = 24 * time.Hour
	}
	return &service{
		store: store,
		cfg:   cfg,
		now:   now,
		warn:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// hashToken reduces a token to 32 hex characters (BLAKE2b-128). Raw tokens
// never reach the store or the logs.
func hashToken(token string) string {
	h, _ := blake2b.New(16, nil) // only fails for an oversized key
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *service) Blacklist(ctx context.Context, token string, expiresAt time.Time, userID, reason string) error {
	if token == "" {
		return fmt.Errorf("%w: empty token", domain.ErrInvalidInput)
	}
	now := s.now()
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		slog.Debug("token already expired, not blacklisting")
		return nil
	}
	if reason == "" {
		reason = domain.ReasonLogout
	}
	if userID == "" {
		userID = "unknown"
	}

	value, err := json.Marshal(domain.BlacklistEntry{UserID: userID, Reason: reason, BlacklistedAt: now.UTC()})
	if err != nil {
		return fmt.Errorf("marshal blacklist entry: %w", err)
	}
	hash := hashToken(token)
	if err := s.store.Set(ctx, tokenPrefix+hash, string(value), ttl); err != nil {
		return fmt.Errorf("blacklist token: %w", err)
	}
	slog.Info("token blacklisted", "user_id", userID, "reason", reason, "ttl", ttl.Round(time.Second).String(), "hash", hash[:8])
	return nil
}

func (s *service) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, fmt.Errorf("%w: empty token", domain.ErrInvalidInput)
	}
	ok, err := s.store.Exists(ctx, tokenPrefix+hashToken(token))
	if err != nil {
		s.degraded("blacklist lookup", err)
		return s.cfg.FailClosed, nil
	}
	if !ok && s.cfg.FailClosed && kv.Degraded(s.store) {
		s.degraded("blacklist lookup", errFallbackMiss)
		return true, nil
	}
	return ok, nil
}

func (s *service) BlacklistAllForUser(ctx context.Context, userID, reason string) error {
	if err := validate.Key("user_id", userID); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if reason == "" {
		reason = domain.ReasonSecurity
	}
	revokedAt := s.now().UnixMilli()
	if err := s.store.Set(ctx, userPrefix+userID, strconv.FormatInt(revokedAt, 10), s.cfg.UserTTL); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	slog.Info("all tokens revoked for user", "user_id", userID, "reason", reason)
	return nil
}

// IsUserTokenValid reports whether a token issued at issuedAt survives the
// user's revocation marker: it must be issued strictly after the marker.
func (s *service) IsUserTokenValid(ctx context.Context, userID string, issuedAt time.Time) (bool, error) {
	if err := validate.Key("user_id", userID); err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	raw, err := s.store.Get(ctx, userPrefix+userID)
	if errors.Is(err, domain.ErrNotFound) {
		if s.cfg.FailClosed && kv.Degraded(s.store) {
			s.degraded("user revocation lookup", errFallbackMiss)
			return false, nil
		}
		return true, nil
	}
	if err != nil {
		s.degraded("user revocation lookup", err)
		return !s.cfg.FailClosed, nil
	}
	revokedAt, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.degraded("user revocation marker", fmt.Errorf("parse %q: %w", raw, err))
		return !s.cfg.FailClosed, nil
	}
	return issuedAt.UnixMilli() > revokedAt, nil
}

func (s *service) Stats(ctx context.Context) (domain.RevocationStats, error) {
	tokens, err := s.store.Scan(ctx, tokenPrefix)
	if err != nil {
		return domain.RevocationStats{}, fmt.Errorf("scan blacklisted tokens: %w", err)
	}
	users, err := s.store.Scan(ctx, userPrefix)
	if err != nil {
		return domain.RevocationStats{}, fmt.Errorf("scan revoked users: %w", err)
	}
	return domain.RevocationStats{
		BlacklistedTokens: len(tokens),
		BlacklistedUsers:  len(users),
		Backend:           s.store.Backend(),
	}, nil
}

func (s *service) Health(ctx context.Context) domain.Health {
	return kv.Probe(ctx, s.store)
}

func (s *service) degraded(op string, err error) {
	s.warn.Do(func() {
		slog.Warn("revocation check degraded", "op", op, "fail_closed", s.cfg.FailClosed, "err", err)
	})
}
