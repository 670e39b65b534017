// Package kv defines the TTL store contract shared by every backend and the
// failover store that switches between a primary backend and the in-process fallback.
package kv

import (
	"context"
	"time"
)

// Store is the narrow set of TTL operations the security services need.
// Absent or expired keys are reported as domain.ErrNotFound by Get.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Incr atomically increments key and applies ttl when the key carries no expiry.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Scan lists live keys starting with prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)
	// SlideWindow prunes entries older than now-window, records now when fewer
	// than limit entries remain, and reports the resulting window.
	SlideWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (WindowState, error)
	Ping(ctx context.Context) error
	Backend() string
	Close() error
}

// WindowState is the outcome of one sliding-window step.
type WindowState struct {
	Allowed bool
	// Count is the number of entries in the window after the step.
	Count int
	// Oldest is the earliest entry still inside the window. Zero when the window is empty.
	Oldest time.Time
}

// Entry is one live key captured from a store, with its absolute expiry.
type Entry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value,omitempty"`
	Window    []int64   `json:"window,omitempty"` // unix microseconds
	ExpiresAt time.Time `json:"expires_at"`
}

// Snapshotter captures and reloads live entries.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]Entry, error)
	Restore(ctx context.Context, entries []Entry) error
}

// Fallback is a local store whose state can be snapshotted and replayed.
type Fallback interface {
	Store
	Snapshotter
}

// Backend names.
const (
	BackendRedis  = "redis"
	BackendDynamo = "dynamodb"
	BackendMemory = "memory"
)
