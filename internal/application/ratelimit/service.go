package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-api-guard/internal/domain"
	"github.com/go-api-guard/internal/infrastructure/kv"
	"github.com/go-api-guard/internal/pkg/validate"
	"golang.org/x/time/rate"
)

// Algorithms.
const (
	AlgorithmSliding = "sliding"
	AlgorithmFixed   = "fixed"
)

const keyPrefix = "rate:"

type Config struct {
	Enabled    bool
	Algorithm  string
	FailClosed bool
}

type Service interface {
	// Check records one request against key and reports whether it is admitted.
	// It fails only on invalid input; store failures resolve to the configured policy.
	Check(ctx context.Context, key string, limit int, window time.Duration) (domain.RateLimitResult, error)
	// Reset removes every counter and window of exactly key.
	Reset(ctx context.Context, key string) error
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
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgorithmSliding
	}
	return &service{
		store: store,
		cfg:   cfg,
		now:   now,
		warn:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

func (s *service) Check(ctx context.Context, key string, limit int, window time.Duration) (domain.RateLimitResult, error) {
	if err := validate.Key("key", key); err != nil {
		return domain.RateLimitResult{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if limit <= 0 || window < time.Second {
		return domain.RateLimitResult{}, fmt.Errorf("%w: limit and window must be positive", domain.ErrInvalidInput)
	}
	if !s.cfg.Enabled {
		return domain.Allow(limit, limit, 0), nil
	}

	var (
		res domain.RateLimitResult
		err error
	)
	if s.cfg.Algorithm == AlgorithmFixed {
		res, err = s.fixed(ctx, key, limit, window)
	} else {
		res, err = s.sliding(ctx, key, limit, window)
	}
	if err != nil {
		s.warn.Do(func() {
			slog.Warn("rate limit check degraded", "fail_closed", s.cfg.FailClosed, "err", err)
		})
		if s.cfg.FailClosed {
			return domain.Deny(limit, window), nil
		}
		return domain.Allow(limit, limit, window), nil
	}
	return res, nil
}

// fixed counts requests in aligned buckets of length window.
func (s *service) fixed(ctx context.Context, key string, limit int, window time.Duration) (domain.RateLimitResult, error) {
	now := s.now()
	secs := int64(window / time.Second)
	bucket := now.Unix() / secs
	boundary := time.Unix((bucket+1)*secs, 0)

	count, err := s.store.Incr(ctx, fmt.Sprintf("%s%s:%d", keyPrefix, key, bucket), window)
	if err != nil {
		return domain.RateLimitResult{}, err
	}
	reset := boundary.Sub(now)
	if count > int64(limit) {
		return domain.Deny(limit, reset), nil
	}
	return domain.Allow(limit, limit-int(count), reset), nil
}

// sliding admits a request while fewer than limit requests fall in the trailing window.
func (s *service) sliding(ctx context.Context, key string, limit int, window time.Duration) (domain.RateLimitResult, error) {
	now := s.now()
	st, err := s.store.SlideWindow(ctx, keyPrefix+key, limit, window, now)
	if err != nil {
		return domain.RateLimitResult{}, err
	}
	reset := window
	if !st.Oldest.IsZero() {
		reset = st.Oldest.Add(window).Sub(now)
	}
	if !st.Allowed {
		return domain.Deny(limit, reset), nil
	}
	return domain.Allow(limit, limit-st.Count, reset), nil
}

func (s *service) Reset(ctx context.Context, key string) error {
	if err := validate.Key("key", key); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	toDelete := []string{keyPrefix + key}
	if s.cfg.Algorithm == AlgorithmFixed {
		buckets, err := s.buckets(ctx, key)
		if err != nil {
			return err
		}
		toDelete = buckets
	}
	if len(toDelete) == 0 {
		return nil
	}
	if _, err := s.store.Delete(ctx, toDelete...); err != nil {
		return fmt.Errorf("delete rate limit keys: %w", err)
	}
	slog.Info("rate limit reset", "key", key, "keys", len(toDelete))
	return nil
}

// buckets lists the fixed-window counters of key. "rate:a:5" belongs to key
// "a" here, never to the sliding log of key "a:5".
func (s *service) buckets(ctx context.Context, key string) ([]string, error) {
	prefix := keyPrefix + key + ":"
	keys, err := s.store.Scan(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("scan rate limit keys: %w", err)
	}
	var out []string
	for _, k := range keys {
		if isBucket(strings.TrimPrefix(k, prefix)) {
			out = append(out, k)
		}
	}
	return out, nil
}

// isBucket reports whether suffix is a fixed-window bucket number rather than
// part of a longer key that shares the prefix.
func isBucket(suffix string) bool {
	_, err := strconv.ParseUint(suffix, 10, 64)
	return err == nil
}

func (s *service) Health(ctx context.Context) domain.Health {
	if !s.cfg.Enabled {
		return domain.Health{Status: domain.StatusDisabled, Enabled: false}
	}
	h := kv.Probe(ctx, s.store)
	h.Algorithm = s.cfg.Algorithm
	return h
}
