package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-api-guard/internal/application/otp"
	"github.com/go-api-guard/internal/application/ratelimit"
	"github.com/go-api-guard/internal/application/revocation"
	"github.com/go-api-guard/internal/config"
	"github.com/go-api-guard/internal/domain"
	"github.com/go-api-guard/internal/infrastructure/dynamo"
	"github.com/go-api-guard/internal/infrastructure/kv"
	"github.com/go-api-guard/internal/infrastructure/memory"
	redisinfra "github.com/go-api-guard/internal/infrastructure/redis"
)

// Key namespaces, one store each.
const (
	NamespaceRateLimit = "ratelimit"
	NamespaceBlacklist = "blacklist"
	NamespaceOTP       = "otp"
)

const snapshotTimeout = 10 * time.Second

// Snapshots persists fallback contents across restarts.
type Snapshots interface {
	Save(ctx context.Context, namespace string, entries []kv.Entry) error
	Load(ctx context.Context, namespace string) ([]kv.Entry, error)
}

type Option func(*Registry)

// WithDynamo makes the DynamoDB table the primary store when STORE_BACKEND=dynamodb.
func WithDynamo(client dynamo.API) Option {
	return func(r *Registry) { r.dynamo = client }
}

// WithSnapshots restores fallbacks on first use and saves them on Close.
func WithSnapshots(s Snapshots) Option {
	return func(r *Registry) { r.snapshots = s }
}

// WithAlerter publishes breaker state changes.
func WithAlerter(a kv.Alerter) Option {
	return func(r *Registry) { r.alerter = a }
}

// Registry builds each security service once, on first use, and owns the
// stores behind them.
type Registry struct {
	cfg       *config.Config
	dynamo    dynamo.API
	snapshots Snapshots
	alerter   kv.Alerter

	rateOnce    sync.Once
	rateLimiter ratelimit.Service
	revOnce     sync.Once
	revocations revocation.Service
	otpOnce     sync.Once
	otp         otp.Service

	mu     sync.Mutex
	stores map[string]*kv.Failover
}

func New(cfg *config.Config, opts ...Option) *Registry {
	r := &Registry{cfg: cfg, stores: make(map[string]*kv.Failover)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) RateLimiter() ratelimit.Service {
	r.rateOnce.Do(func() {
		r.rateLimiter = ratelimit.NewService(r.store(NamespaceRateLimit, r.cfg.RedisDBs.RateLimit), ratelimit.Config{
			Enabled:    r.cfg.RateLimit.Enabled,
			Algorithm:  r.cfg.RateLimit.Algorithm,
			FailClosed: r.cfg.RateLimit.FailClosed,
		})
	})
	return r.rateLimiter
}

func (r *Registry) Revocations() revocation.Service {
	r.revOnce.Do(func() {
		r.revocations = revocation.NewService(r.store(NamespaceBlacklist, r.cfg.RedisDBs.Blacklist), revocation.Config{
			FailClosed: r.cfg.Revocation.FailClosed,
			UserTTL:    r.cfg.Revocation.UserTTL,
		})
	})
	return r.revocations
}

func (r *Registry) OTP() otp.Service {
	r.otpOnce.Do(func() {
		r.otp = otp.NewService(r.store(NamespaceOTP, r.cfg.RedisDBs.OTP), otp.Config{
			Length:      r.cfg.OTP.Length,
			Expiry:      r.cfg.OTP.Expiry,
			MaxAttempts: r.cfg.OTP.MaxAttempts,
		})
	})
	return r.otp
}

// Store returns the store of namespace if its service has been built.
func (r *Registry) Store(namespace string) (*kv.Failover, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.stores[namespace]
	return f, ok
}

// Health reports every service, building them if needed. The rate limiter's
// own health carries its enabled flag and algorithm.
func (r *Registry) Health(ctx context.Context) map[string]domain.Health {
	return map[string]domain.Health{
		NamespaceRateLimit: r.RateLimiter().Health(ctx),
		NamespaceBlacklist: r.Revocations().Health(ctx),
		NamespaceOTP:       r.OTP().Health(ctx),
	}
}

// Close saves fallback snapshots and closes every store built so far.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for ns, f := range r.stores {
		if r.snapshots != nil {
			if err := r.saveSnapshot(ctx, ns, f.Fallback()); err != nil {
				errs = append(errs, err)
			}
		}
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s store: %w", ns, err))
		}
	}
	clear(r.stores)
	return errors.Join(errs...)
}

func (r *Registry) saveSnapshot(ctx context.Context, ns string, fb kv.Fallback) error {
	entries, err := fb.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot %s fallback: %w", ns, err)
	}
	if len(entries) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()
	if err := r.snapshots.Save(ctx, ns, entries); err != nil {
		return fmt.Errorf("save %s snapshot: %w", ns, err)
	}
	slog.Info("saved fallback snapshot", "namespace", ns, "entries", len(entries))
	return nil
}

// store builds the failover store of namespace. Construction never fails: an
// unusable primary leaves the store on its fallback until the breaker recovers.
func (r *Registry) store(ns string, redisDB int) kv.Store {
	ctx, cancel := context.WithTimeout(context.Background(), r.connectTimeout())
	defer cancel()

	fallback := memory.NewStore()
	r.restore(ctx, ns, fallback)

	primary, err := r.primary(ns, redisDB)
	if err != nil {
		slog.Warn("primary store not configured, using memory", "namespace", ns, "err", err)
	}
	f := kv.NewFailover(ctx, primary, fallback, kv.Options{
		Name:             ns,
		FailureThreshold: r.cfg.Breaker.FailureThreshold,
		OpenTimeout:      r.cfg.Breaker.OpenTimeout,
		HalfOpenRequests: r.cfg.Breaker.HalfOpenRequests,
		Alerter:          r.alerter,
	})
	slog.Info("store ready", "namespace", ns, "backend", f.Backend(), "mode", f.Mode())

	r.mu.Lock()
	r.stores[ns] = f
	r.mu.Unlock()
	return f
}

// primary returns nil without error for the memory backend.
func (r *Registry) primary(ns string, redisDB int) (kv.Store, error) {
	switch r.cfg.StoreBackend {
	case kv.BackendRedis:
		client, err := redisinfra.NewClient(r.cfg.RedisURL, redisDB, r.cfg.RedisTimeout)
		if err != nil {
			return nil, err
		}
		return redisinfra.NewStore(client), nil
	case kv.BackendDynamo:
		if r.dynamo == nil {
			return nil, fmt.Errorf("%s: no dynamodb client", ns)
		}
		return dynamo.NewStore(r.dynamo, r.cfg.DynamoTable), nil
	default:
		return nil, nil
	}
}

func (r *Registry) restore(ctx context.Context, ns string, fb *memory.Store) {
	if r.snapshots == nil {
		return
	}
	entries, err := r.snapshots.Load(ctx, ns)
	if err != nil {
		slog.Warn("could not load fallback snapshot", "namespace", ns, "err", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	if err := fb.Restore(ctx, entries); err != nil {
		slog.Warn("could not restore fallback snapshot", "namespace", ns, "err", err)
		return
	}
	slog.Info("restored fallback snapshot", "namespace", ns, "entries", len(entries))
}

func (r *Registry) connectTimeout() time.Duration {
	if r.cfg.RedisTimeout > 0 {
		return r.cfg.RedisTimeout
	}
	return 2 * time.Second
}
