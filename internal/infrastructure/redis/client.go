package redisinfra

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewClient creates a client for the logical database db of the server at url.
// The connection is lazy; callers ping through the store.
func NewClient(url string, db int, timeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DB = db
	opts.DialTimeout = timeout
	opts.ReadTimeout = timeout
	opts.WriteTimeout = timeout
	opts.MaxRetries = 1
	return redis.NewClient(opts), nil
}
