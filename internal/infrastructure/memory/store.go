// Package memory is the process-local TTL store used when no shared backend is reachable.
// State is lost on restart unless snapshotted and is not shared between processes.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-api-guard/internal/domain"
	"github.com/go-api-guard/internal/infrastructure/kv"
)

// sweepEvery is the number of writes between full expiry sweeps.
const sweepEvery = 512

type item struct {
	value     string
	window    []int64 // unix microseconds, sliding-window log
	expiresAt time.Time
}

func (it *item) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}

// Store keeps entries in a map guarded by a mutex. Expired entries are dropped
// lazily on access and swept periodically on write.
type Store struct {
	mu     sync.Mutex
	items  map[string]*item
	now    func() time.Time
	writes int
}

var _ kv.Fallback = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...Option) *Store {
	s := &Store{items: make(map[string]*item), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Backend() string { return kv.BackendMemory }

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// live returns the entry for key, dropping it when expired. Caller holds mu.
func (s *Store) live(key string) *item {
	it, ok := s.items[key]
	if !ok {
		return nil
	}
	if it.expired(s.now()) {
		delete(s.items, key)
		return nil
	}
	return it
}

// wrote counts a write and sweeps expired entries every sweepEvery writes. Caller holds mu.
func (s *Store) wrote() {
	s.writes++
	if s.writes < sweepEvery {
		return
	}
	s.writes = 0
	now := s.now()
	for k, it := range s.items {
		if it.expired(now) {
			delete(s.items, k)
		}
	}
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.live(key)
	if it == nil || it.window != nil {
		return "", domain.ErrNotFound
	}
	return it.value, nil
}

func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = &item{value: value, expiresAt: s.expiry(ttl)}
	s.wrote()
	return nil
}

func (s *Store) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.live(key)
	if it == nil {
		s.items[key] = &item{value: "1", expiresAt: s.expiry(ttl)}
		s.wrote()
		return 1, nil
	}
	if it.window != nil {
		return 0, fmt.Errorf("incr %s: key holds a window", key)
	}
	n, err := strconv.ParseInt(it.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("incr %s: value is not an integer", key)
	}
	n++
	it.value = strconv.FormatInt(n, 10)
	if it.expiresAt.IsZero() {
		it.expiresAt = s.expiry(ttl)
	}
	s.wrote()
	return n, nil
}

func (s *Store) Delete(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, k := range keys {
		if s.live(k) != nil {
			delete(s.items, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.live(key) != nil, nil
}

func (s *Store) Scan(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for k := range s.items {
		if strings.HasPrefix(k, prefix) && s.live(k) != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) SlideWindow(_ context.Context, key string, limit int, window time.Duration, now time.Time) (kv.WindowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.live(key)
	if it == nil {
		it = &item{window: []int64{}}
		s.items[key] = it
	} else if it.window == nil {
		return kv.WindowState{}, fmt.Errorf("slide window %s: key holds a value", key)
	}

	cutoff := now.Add(-window).UnixMicro()
	kept := it.window[:0]
	for _, ts := range it.window {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}

	allowed := len(kept) < limit
	if allowed {
		kept = append(kept, now.UnixMicro())
	}
	it.window = kept
	it.expiresAt = now.Add(window)
	s.wrote()

	st := kv.WindowState{Allowed: allowed, Count: len(kept)}
	if len(kept) > 0 {
		oldest := kept[0]
		for _, ts := range kept[1:] {
			oldest = min(oldest, ts)
		}
		st.Oldest = time.UnixMicro(oldest).UTC()
	}
	return st, nil
}

// Snapshot returns every live entry.
func (s *Store) Snapshot(context.Context) ([]kv.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]kv.Entry, 0, len(s.items))
	for k := range s.items {
		it := s.live(k)
		if it == nil {
			continue
		}
		e := kv.Entry{Key: k, Value: it.value, ExpiresAt: it.expiresAt}
		if it.window != nil {
			e.Window = append([]int64{}, it.window...)
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Restore loads entries that have not yet expired, overwriting existing keys.
func (s *Store) Restore(_ context.Context, entries []kv.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, e := range entries {
		it := &item{value: e.Value, expiresAt: e.ExpiresAt}
		if e.Window != nil {
			it.window = append([]int64{}, e.Window...)
		}
		if it.expired(now) {
			continue
		}
		s.items[e.Key] = it
	}
	return nil
}
