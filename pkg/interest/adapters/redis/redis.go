// Package redis implements interest.Index against Redis sets, following the
// same connection/config pattern as pkg/cache/adapters/redis.
package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/chris-alexander-pop/notification-pipeline/pkg/errors"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/interest"
)

// Config configures the Redis-backed interest index.
type Config struct {
	Host     string `env:"INTEREST_REDIS_HOST" env-default:"localhost"`
	Port     string `env:"INTEREST_REDIS_PORT" env-default:"6379"`
	Password string `env:"INTEREST_REDIS_PASSWORD"`
	DB       int    `env:"INTEREST_REDIS_DB" env-default:"0"`
}

// Index is a Redis-backed interest.Index using SADD/SREM/SUNION.
type Index struct {
	client *goredis.Client
}

// New connects to Redis and verifies reachability.
func New(cfg Config) (*Index, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to interest index redis")
	}
	return &Index{client: client}, nil
}

func walletKey(w string) string { return "interest:wallet:" + w }
func marketKey(m string) string { return "interest:market:" + m }

const globalSetKey = "interest:global"

func (idx *Index) Add(ctx context.Context, key interest.Key, recipientID string) error {
	redisKey := idx.keyFor(key)
	if redisKey == "" {
		return nil
	}
	if err := idx.client.SAdd(ctx, redisKey, recipientID).Err(); err != nil {
		return interest.ErrStoreUnavailable(err)
	}
	return nil
}

func (idx *Index) Remove(ctx context.Context, key interest.Key, recipientID string) error {
	redisKey := idx.keyFor(key)
	if redisKey == "" {
		return nil
	}
	if err := idx.client.SRem(ctx, redisKey, recipientID).Err(); err != nil {
		return interest.ErrStoreUnavailable(err)
	}
	return nil
}

func (idx *Index) Interested(ctx context.Context, wallet, market string) ([]string, error) {
	keys := []string{globalSetKey}
	if wallet != "" {
		keys = append(keys, walletKey(wallet))
	}
	if market != "" {
		keys = append(keys, marketKey(market))
	}

	members, err := idx.client.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, interest.ErrStoreUnavailable(err)
	}
	return members, nil
}

func (idx *Index) Close() error {
	return idx.client.Close()
}

func (idx *Index) keyFor(key interest.Key) string {
	switch {
	case key.Global:
		return globalSetKey
	case key.Wallet != "":
		return walletKey(key.Wallet)
	case key.Market != "":
		return marketKey(key.Market)
	default:
		return ""
	}
}
