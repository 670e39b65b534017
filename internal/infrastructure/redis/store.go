// Package redisinfra implements the shared TTL store on Redis. Counters and
// sliding windows run as server-side scripts so each step is atomic.
package redisinfra

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-api-guard/internal/domain"
	"github.com/go-api-guard/internal/infrastructure/kv"
	"github.com/go-api-guard/internal/pkg/id"
	"github.com/redis/go-redis/v9"
)

//go:embed incr.lua
var incrSource string

//go:embed slide_window.lua
var slideWindowSource string

var (
	incrScript        = redis.NewScript(incrSource)
	slideWindowScript = redis.NewScript(slideWindowSource)
)

const scanCount = 200

// Store implements kv.Store on a single Redis logical database.
type Store struct {
	client *redis.Client
}

var _ kv.Store = (*Store)(nil)

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Backend() string { return kv.BackendRedis }

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get: %w", err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return n, nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del: %w", err)
	}
	return n, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Scan walks the keyspace with SCAN; prefix must not contain glob metacharacters.
func (s *Store) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}

func (s *Store) SlideWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (kv.WindowState, error) {
	nowUs := now.UnixMicro()
	res, err := slideWindowScript.Run(ctx, s.client, []string{key},
		nowUs,                         // ARGV[1]
		nowUs-window.Microseconds(),   // ARGV[2]
		limit,                         // ARGV[3]
		max(1, window.Milliseconds()), // ARGV[4]
		id.NewAt(now),                 // ARGV[5]
	).Slice()
	if err != nil {
		return kv.WindowState{}, fmt.Errorf("redis slide window: %w", err)
	}
	if len(res) != 3 {
		return kv.WindowState{}, errors.New("redis slide window: invalid script response")
	}

	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	st := kv.WindowState{Allowed: allowed == 1, Count: int(count)}
	if raw, _ := res[2].(string); raw != "" {
		score, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return kv.WindowState{}, fmt.Errorf("redis slide window: parse score %q: %w", raw, err)
		}
		st.Oldest = time.UnixMicro(int64(score)).UTC()
	}
	return st, nil
}
