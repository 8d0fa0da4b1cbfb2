// internal/cache/redis.go
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options configures the Redis connection backing the document store.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// ConnectRedis builds a client and verifies it with a PING.
func ConnectRedis(ctx context.Context, opts Options) (*redis.Client, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

// DocumentKey is the key holding the serialized tree for a prefix.
func DocumentKey(prefix string) string {
	return prefix + ":doc"
}

// ChangesChannel is the Pub/Sub channel announcing written paths for a prefix.
func ChangesChannel(prefix string) string {
	return prefix + ":changes"
}
