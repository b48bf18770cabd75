// Package redis implements preference.DedupStore atomically via Redis
// SETNX, so multiple pipeline instances sharing the same Redis see a
// consistent dedup window.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/chris-alexander-pop/notification-pipeline/pkg/errors"
)

// Store is a Redis-backed DedupStore with a fixed TTL window.
type Store struct {
	client *goredis.Client
	window time.Duration
}

// Config configures the Redis connection for the dedup store.
type Config struct {
	Host     string `env:"DEDUP_REDIS_HOST" env-default:"localhost"`
	Port     string `env:"DEDUP_REDIS_PORT" env-default:"6379"`
	Password string `env:"DEDUP_REDIS_PASSWORD"`
	DB       int    `env:"DEDUP_REDIS_DB" env-default:"0"`
}

// New connects to Redis and verifies reachability.
func New(cfg Config, window time.Duration) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to dedup redis")
	}
	return &Store{client: client, window: window}, nil
}

func (s *Store) CheckAndSet(ctx context.Context, recipientID, dedupKey string) (bool, error) {
	key := fmt.Sprintf("dedup:%s:%s", recipientID, dedupKey)

	set, err := s.client.SetNX(ctx, key, 1, s.window).Result()
	if err != nil {
		return false, errors.Wrap(err, "dedup store unavailable")
	}
	// set==true means we claimed the key: not a duplicate.
	return !set, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
