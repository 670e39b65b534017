package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-api-guard/internal/domain"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Store modes reported by Failover.Mode.
const (
	ModePrimary  = "primary"
	ModeProbing  = "probing"
	ModeFallback = "fallback"
	ModeMemory   = "memory"
)

const (
	replayTimeout = 10 * time.Second
	alertTimeout  = 5 * time.Second
)

// Alerter publishes operational alerts.
type Alerter interface {
	Alert(ctx context.Context, subject, message string) error
}

// Options configures the circuit breaker of a Failover.
type Options struct {
	Name             string
	FailureThreshold int
	OpenTimeout      time.Duration
	HalfOpenRequests int
	Alerter          Alerter // optional
}

// Failover serves operations from the primary store while it is healthy and from
// the local fallback while the circuit breaker is open. Once a half-open probe
// succeeds the breaker closes and entries written to the fallback during the
// outage are replayed into the primary.
type Failover struct {
	name     string
	primary  Store
	fallback Fallback
	cb       *gobreaker.TwoStepCircuitBreaker
	alerter  Alerter

	replayPending atomic.Bool
	replays       sync.WaitGroup
	warn          rate.Sometimes
}

var _ Store = (*Failover)(nil)

// NewFailover pings primary and starts on the fallback when it is unreachable.
// A nil primary yields a memory-only store.
func NewFailover(ctx context.Context, primary Store, fallback Fallback, opts Options) *Failover {
	f := &Failover{
		name:     opts.Name,
		primary:  primary,
		fallback: fallback,
		alerter:  opts.Alerter,
		warn:     rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	if primary == nil {
		return f
	}

	threshold := uint32(max(1, opts.FailureThreshold))
	f.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: uint32(max(1, opts.HalfOpenRequests)),
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: f.onStateChange,
	})

	if err := primary.Ping(ctx); err != nil {
		slog.Warn("primary store unreachable, serving from fallback",
			"store", f.name, "backend", primary.Backend(), "err", err)
		f.trip()
	}
	return f
}

// trip reports failures until the breaker opens.
func (f *Failover) trip() {
	for f.cb.State() == gobreaker.StateClosed {
		done, err := f.cb.Allow()
		if err != nil {
			return
		}
		done(false)
	}
}

// onStateChange runs under the breaker's lock: it must not call back into the breaker.
func (f *Failover) onStateChange(name string, from, to gobreaker.State) {
	slog.Warn("store circuit breaker state changed", "store", name, "from", from.String(), "to", to.String())
	if to == gobreaker.StateClosed {
		f.replayPending.Store(true)
	}
	if f.alerter == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		subject := fmt.Sprintf("%s store breaker %s", name, to.String())
		msg := fmt.Sprintf("circuit breaker for store %q moved from %s to %s", name, from.String(), to.String())
		if err := f.alerter.Alert(ctx, subject, msg); err != nil {
			slog.Warn("could not publish breaker alert", "store", name, "err", err)
		}
	}()
}

// call runs fn against the primary when the breaker allows it and against the
// fallback otherwise. Primary failures are reported as domain.ErrStoreUnavailable.
func call[T any](ctx context.Context, f *Failover, op string, fn func(Store) (T, error)) (T, error) {
	if f.primary == nil {
		return fn(f.fallback)
	}
	done, err := f.cb.Allow()
	if err != nil {
		return fn(f.fallback)
	}

	v, err := fn(f.primary)
	if err != nil && !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, context.Canceled) {
		done(false)
		f.warn.Do(func() {
			slog.Warn("primary store operation failed", "store", f.name, "op", op, "err", err)
		})
		var zero T
		return zero, fmt.Errorf("%s %s: %w: %w", f.name, op, domain.ErrStoreUnavailable, err)
	}
	done(true)
	if f.replayPending.CompareAndSwap(true, false) {
		f.replays.Add(1)
		go func() {
			defer f.replays.Done()
			f.replay(ctx)
		}()
	}
	return v, err
}

// replay copies live fallback values into the primary with their remaining TTL
// and removes them from the fallback. Sliding-window logs stay local.
func (f *Failover) replay(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replayTimeout)
	defer cancel()

	entries, err := f.fallback.Snapshot(ctx)
	if err != nil {
		slog.Warn("could not snapshot fallback for replay", "store", f.name, "err", err)
		return
	}

	now := time.Now()
	var replayed []string
	for _, e := range entries {
		if e.Window != nil {
			continue
		}
		var ttl time.Duration
		if !e.ExpiresAt.IsZero() {
			ttl = e.ExpiresAt.Sub(now)
			if ttl <= 0 {
				continue
			}
		}
		if err := f.primary.Set(ctx, e.Key, e.Value, ttl); err != nil {
			slog.Warn("fallback replay interrupted", "store", f.name, "replayed", len(replayed), "err", err)
			break
		}
		replayed = append(replayed, e.Key)
	}
	if len(replayed) == 0 {
		return
	}
	if _, err := f.fallback.Delete(ctx, replayed...); err != nil {
		slog.Warn("could not clear replayed fallback entries", "store", f.name, "err", err)
	}
	slog.Info("replayed fallback entries into primary", "store", f.name, "count", len(replayed))
}

// Mode reports which store currently serves operations.
func (f *Failover) Mode() string {
	if f.primary == nil {
		return ModeMemory
	}
	switch f.cb.State() {
	case gobreaker.StateOpen:
		return ModeFallback
	case gobreaker.StateHalfOpen:
		return ModeProbing
	default:
		return ModePrimary
	}
}

// BreakerState returns the breaker state name, or "none" without a primary.
func (f *Failover) BreakerState() string {
	if f.cb == nil {
		return "none"
	}
	return f.cb.State().String()
}

// Fallback exposes the local store for snapshotting.
func (f *Failover) Fallback() Fallback { return f.fallback }

func (f *Failover) Backend() string {
	if f.primary == nil {
		return f.fallback.Backend()
	}
	return f.primary.Backend()
}

func (f *Failover) Get(ctx context.Context, key string) (string, error) {
	return call(ctx, f, "get", func(s Store) (string, error) {
		return s.Get(ctx, key)
	})
}

func (f *Failover) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := call(ctx, f, "set", func(s Store) (struct{}, error) {
		return struct{}{}, s.Set(ctx, key, value, ttl)
	})
	return err
}

func (f *Failover) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return call(ctx, f, "incr", func(s Store) (int64, error) {
		return s.Incr(ctx, key, ttl)
	})
}

func (f *Failover) Delete(ctx context.Context, keys ...string) (int64, error) {
	return call(ctx, f, "delete", func(s Store) (int64, error) {
		return s.Delete(ctx, keys...)
	})
}

func (f *Failover) Exists(ctx context.Context, key string) (bool, error) {
	return call(ctx, f, "exists", func(s Store) (bool, error) {
		return s.Exists(ctx, key)
	})
}

func (f *Failover) Scan(ctx context.Context, prefix string) ([]string, error) {
	return call(ctx, f, "scan", func(s Store) ([]string, error) {
		return s.Scan(ctx, prefix)
	})
}

func (f *Failover) SlideWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (WindowState, error) {
	return call(ctx, f, "slide_window", func(s Store) (WindowState, error) {
		return s.SlideWindow(ctx, key, limit, window, now)
	})
}

// Ping checks whichever store currently serves operations.
func (f *Failover) Ping(ctx context.Context) error {
	_, err := call(ctx, f, "ping", func(s Store) (struct{}, error) {
		return struct{}{}, s.Ping(ctx)
	})
	return err
}

// Close waits for a running replay before closing both stores.
func (f *Failover) Close() error {
	f.replays.Wait()
	var errs []error
	if f.primary != nil {
		errs = append(errs, f.primary.Close())
	}
	errs = append(errs, f.fallback.Close())
	return errors.Join(errs...)
}
