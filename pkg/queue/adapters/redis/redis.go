// Package redis implements queue.Manager against Redis: a sorted set keyed
// by queue.Score for pending items, and a hash recording each item's
// payload and lease state. Lease/complete/fail transitions are done with
// Lua scripts, grounded on the same atomic-EVAL pattern the rate limiter
// adapters use, so a crashed dispatcher instance never corrupts queue state.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/chris-alexander-pop/notification-pipeline/pkg/errors"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/preference"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/queue"
)

// Config configures the Redis connection backing the queue.
type Config struct {
	Host     string `env:"QUEUE_REDIS_HOST" env-default:"localhost"`
	Port     string `env:"QUEUE_REDIS_PORT" env-default:"6379"`
	Password string `env:"QUEUE_REDIS_PASSWORD"`
	DB       int    `env:"QUEUE_REDIS_DB" env-default:"0"`
}

const (
	pendingKey     = "queue:pending"      // ZSET: member=notif_id, score=queue.Score
	itemsKey       = "queue:items"        // HASH: notif_id -> json(QueueItem)
	inflightKey    = "queue:inflight"     // ZSET: member=lease_id, score=lease_expiry_unix_ms
	leaseMapKey    = "queue:leases"       // HASH: lease_id -> notif_id
	deadKey        = "queue:dead"         // ZSET: member=notif_id, score=dead_at_unix_ms
	deadItemsKey   = "queue:dead:items"   // HASH: notif_id -> json(preference.Notification)
	deadReasonsKey = "queue:dead:reasons" // HASH: notif_id -> failure reason
)

// Manager is a Redis-backed queue.Manager.
type Manager struct {
	client   *goredis.Client
	capacity int
}

// New connects to Redis and verifies reachability. capacity<=0 means
// unbounded.
func New(cfg Config, capacity int) (*Manager, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to queue redis")
	}
	return &Manager{client: client, capacity: capacity}, nil
}

func (m *Manager) Enqueue(ctx context.Context, n preference.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification")
	}

	res, err := enqueueScript.Run(ctx, m.client,
		[]string{pendingKey, itemsKey, inflightKey},
		n.NotifID, queue.Score(n), string(data), m.capacity,
	).Int()
	if err != nil {
		return errors.Wrap(err, "queue enqueue failed")
	}
	if res == 0 {
		return queue.ErrCapacityExceeded()
	}
	return nil
}

var enqueueScript = goredis.NewScript(`
local pending_key = KEYS[1]
local items_key = KEYS[2]
local inflight_key = KEYS[3]
local notif_id = ARGV[1]
local score = tonumber(ARGV[2])
local payload = ARGV[3]
local capacity = tonumber(ARGV[4])

if capacity > 0 then
    local total = redis.call('ZCARD', pending_key) + redis.call('ZCARD', inflight_key)
    if total >= capacity then
        return 0
    end
end

redis.call('HSET', items_key, notif_id, payload)
redis.call('ZADD', pending_key, score, notif_id)
return 1
`)

func (m *Manager) DequeueBatch(ctx context.Context, max int, leaseDuration time.Duration) ([]queue.QueueItem, error) {
	ids, err := m.client.ZRangeByScore(ctx, pendingKey, &goredis.ZRangeBy{
		Min: "-inf", Max: "+inf", Offset: 0, Count: int64(max),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "queue dequeue failed")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now()
	batch := make([]queue.QueueItem, 0, len(ids))
	for _, notifID := range ids {
		leaseID, data, err := m.lease(ctx, notifID, now.Add(leaseDuration))
		if err != nil || leaseID == "" {
			continue // raced with another dispatcher
		}
		var n preference.Notification
		if err := json.Unmarshal([]byte(data), &n); err != nil {
			continue
		}
		if n.ScheduledFor.After(now) {
			// Not due yet: hand the lease straight back so it stays pending.
			_ = m.Release(ctx, leaseID)
			continue
		}
		batch = append(batch, queue.QueueItem{
			Notification: n,
			Status:       queue.StatusInflight,
			Score:        queue.Score(n),
			LeaseID:      leaseID,
			LeaseExpiry:  now.Add(leaseDuration),
		})
	}
	return batch, nil
}

var leaseScript = goredis.NewScript(`
local pending_key = KEYS[1]
local items_key = KEYS[2]
local inflight_key = KEYS[3]
local lease_map_key = KEYS[4]
local notif_id = ARGV[1]
local lease_id = ARGV[2]
local lease_expiry = tonumber(ARGV[3])

local removed = redis.call('ZREM', pending_key, notif_id)
if removed == 0 then
    return nil
end

local payload = redis.call('HGET', items_key, notif_id)
redis.call('ZADD', inflight_key, lease_expiry, lease_id)
redis.call('HSET', lease_map_key, lease_id, notif_id)
return payload
`)

func (m *Manager) lease(ctx context.Context, notifID string, expiry time.Time) (string, string, error) {
	leaseID := fmt.Sprintf("%s:%d", notifID, time.Now().UnixNano())
	res, err := leaseScript.Run(ctx, m.client,
		[]string{pendingKey, itemsKey, inflightKey, leaseMapKey},
		notifID, leaseID, expiry.UnixMilli(),
	).Result()
	if err == goredis.Nil {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	payload, ok := res.(string)
	if !ok {
		return "", "", nil
	}
	return leaseID, payload, nil
}

func (m *Manager) Complete(ctx context.Context, leaseID string) error {
	res, err := completeScript.Run(ctx, m.client,
		[]string{inflightKey, leaseMapKey, itemsKey},
		leaseID,
	).Int()
	if err != nil {
		return errors.Wrap(err, "queue complete failed")
	}
	if res == 0 {
		return queue.ErrLeaseNotFound()
	}
	return nil
}

var completeScript = goredis.NewScript(`
local inflight_key = KEYS[1]
local lease_map_key = KEYS[2]
local items_key = KEYS[3]
local lease_id = ARGV[1]

local notif_id = redis.call('HGET', lease_map_key, lease_id)
if not notif_id then
    return 0
end

redis.call('ZREM', inflight_key, lease_id)
redis.call('HDEL', lease_map_key, lease_id)
redis.call('HDEL', items_key, notif_id)
return 1
`)

func (m *Manager) Fail(ctx context.Context, leaseID string, policy queue.RetryPolicy, reason string) error {
	notifID, err := m.client.HGet(ctx, leaseMapKey, leaseID).Result()
	if err == goredis.Nil {
		return queue.ErrLeaseNotFound()
	}
	if err != nil {
		return errors.Wrap(err, "queue fail lookup failed")
	}

	data, err := m.client.HGet(ctx, itemsKey, notifID).Result()
	if err != nil {
		return errors.Wrap(err, "queue fail lookup failed")
	}
	var n preference.Notification
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		return errors.Wrap(err, "queue fail unmarshal failed")
	}

	n.Attempts++
	dead := n.Attempts >= policy.MaxAttempts
	if !dead {
		n.ScheduledFor = time.Now().Add(policy.NextDelay(n.Attempts))
	}
	updated, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "queue fail marshal failed")
	}

	deadFlag := 0
	if dead {
		deadFlag = 1
	}
	_, err = failScript.Run(ctx, m.client,
		[]string{inflightKey, leaseMapKey, itemsKey, pendingKey, deadKey, deadItemsKey, deadReasonsKey},
		leaseID, notifID, string(updated), queue.Score(n), deadFlag, reason, time.Now().UnixMilli(),
	).Result()
	if err != nil {
		return errors.Wrap(err, "queue fail failed")
	}
	return nil
}

var failScript = goredis.NewScript(`
local inflight_key = KEYS[1]
local lease_map_key = KEYS[2]
local items_key = KEYS[3]
local pending_key = KEYS[4]
local dead_key = KEYS[5]
local dead_items_key = KEYS[6]
local dead_reasons_key = KEYS[7]
local lease_id = ARGV[1]
local notif_id = ARGV[2]
local payload = ARGV[3]
local score = tonumber(ARGV[4])
local dead = tonumber(ARGV[5])
local reason = ARGV[6]
local dead_at = tonumber(ARGV[7])

redis.call('ZREM', inflight_key, lease_id)
redis.call('HDEL', lease_map_key, lease_id)

if dead == 1 then
    redis.call('HDEL', items_key, notif_id)
    redis.call('HSET', dead_items_key, notif_id, payload)
    redis.call('HSET', dead_reasons_key, notif_id, reason)
    redis.call('ZADD', dead_key, dead_at, notif_id)
else
    redis.call('HSET', items_key, notif_id, payload)
    redis.call('ZADD', pending_key, score, notif_id)
end
return 1
`)

// Release returns a leased item to pending unchanged, reusing failScript's
// "not dead" branch with a zero dead flag and empty reason so neither
// Attempts nor ScheduledFor move, the same trick SweepInflight uses to
// recover an expired lease without counting it as a failed attempt.
func (m *Manager) Release(ctx context.Context, leaseID string) error {
	notifID, err := m.client.HGet(ctx, leaseMapKey, leaseID).Result()
	if err == goredis.Nil {
		return queue.ErrLeaseNotFound()
	}
	if err != nil {
		return errors.Wrap(err, "queue release lookup failed")
	}

	data, err := m.client.HGet(ctx, itemsKey, notifID).Result()
	if err != nil {
		return errors.Wrap(err, "queue release lookup failed")
	}
	var n preference.Notification
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		return errors.Wrap(err, "queue release unmarshal failed")
	}

	_, err = failScript.Run(ctx, m.client,
		[]string{inflightKey, leaseMapKey, itemsKey, pendingKey, deadKey, deadItemsKey, deadReasonsKey},
		leaseID, notifID, data, queue.Score(n), 0, "", 0,
	).Result()
	if err != nil {
		return errors.Wrap(err, "queue release failed")
	}
	return nil
}

// PromoteDue is a no-op: DequeueBatch already filters on ScheduledFor, and
// the sorted set is always consistent, so nothing needs to move between
// structures.
func (m *Manager) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func (m *Manager) SweepInflight(ctx context.Context, now time.Time) (int, error) {
	expired, err := m.client.ZRangeByScore(ctx, inflightKey, &goredis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "queue sweep failed")
	}

	swept := 0
	for _, leaseID := range expired {
		notifID, err := m.client.HGet(ctx, leaseMapKey, leaseID).Result()
		if err != nil {
			continue
		}
		data, err := m.client.HGet(ctx, itemsKey, notifID).Result()
		if err != nil {
			continue
		}
		var n preference.Notification
		if err := json.Unmarshal([]byte(data), &n); err != nil {
			continue
		}
		_, err = failScript.Run(ctx, m.client,
			[]string{inflightKey, leaseMapKey, itemsKey, pendingKey, deadKey, deadItemsKey, deadReasonsKey},
			leaseID, notifID, data, queue.Score(n), 0, "", 0,
		).Result()
		if err == nil {
			swept++
		}
	}
	return swept, nil
}

func (m *Manager) Len(ctx context.Context) (int, error) {
	pending, err := m.client.ZCard(ctx, pendingKey).Result()
	if err != nil {
		return 0, errors.Wrap(err, "queue len failed")
	}
	inflight, err := m.client.ZCard(ctx, inflightKey).Result()
	if err != nil {
		return 0, errors.Wrap(err, "queue len failed")
	}
	return int(pending + inflight), nil
}

func (m *Manager) DeadLetterCount(ctx context.Context) (int, error) {
	n, err := m.client.ZCard(ctx, deadKey).Result()
	if err != nil {
		return 0, errors.Wrap(err, "queue dead letter count failed")
	}
	return int(n), nil
}

func (m *Manager) ListDead(ctx context.Context) ([]queue.DeadEntry, error) {
	ids, err := m.client.ZRangeWithScores(ctx, deadKey, 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "queue list dead failed")
	}

	out := make([]queue.DeadEntry, 0, len(ids))
	for _, z := range ids {
		notifID, ok := z.Member.(string)
		if !ok {
			continue
		}
		data, err := m.client.HGet(ctx, deadItemsKey, notifID).Result()
		if err != nil {
			continue
		}
		var n preference.Notification
		if err := json.Unmarshal([]byte(data), &n); err != nil {
			continue
		}
		reason, _ := m.client.HGet(ctx, deadReasonsKey, notifID).Result()
		out = append(out, queue.DeadEntry{
			Item:   queue.QueueItem{Notification: n, Status: queue.StatusDead, Score: queue.Score(n)},
			Reason: reason,
			DeadAt: time.UnixMilli(int64(z.Score)),
		})
	}
	return out, nil
}

func (m *Manager) RequeueDead(ctx context.Context, notifID string) error {
	res, err := requeueDeadScript.Run(ctx, m.client,
		[]string{deadKey, deadItemsKey, deadReasonsKey, itemsKey, pendingKey},
		notifID, time.Now().UnixMilli(),
	).Int()
	if err != nil {
		return errors.Wrap(err, "queue requeue dead failed")
	}
	if res == 0 {
		return queue.ErrLeaseNotFound()
	}
	return nil
}

var requeueDeadScript = goredis.NewScript(`
local dead_key = KEYS[1]
local dead_items_key = KEYS[2]
local dead_reasons_key = KEYS[3]
local items_key = KEYS[4]
local pending_key = KEYS[5]
local notif_id = ARGV[1]
local now_ms = tonumber(ARGV[2])

local payload = redis.call('HGET', dead_items_key, notif_id)
if not payload then
    return 0
end

redis.call('ZREM', dead_key, notif_id)
redis.call('HDEL', dead_items_key, notif_id)
redis.call('HDEL', dead_reasons_key, notif_id)
-- Reset the attempt counter so the requeued item gets a full retry budget.
payload = string.gsub(payload, '"attempts":%d+', '"attempts":0', 1)
redis.call('HSET', items_key, notif_id, payload)
redis.call('ZADD', pending_key, now_ms, notif_id)
return 1
`)

func (m *Manager) ExpireDeadLetters(ctx context.Context, retention time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-retention).UnixMilli()
	ids, err := m.client.ZRangeByScore(ctx, deadKey, &goredis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "queue expire dead letters failed")
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := m.client.Pipeline()
	pipe.ZRem(ctx, deadKey, anySlice(ids)...)
	pipe.HDel(ctx, deadItemsKey, ids...)
	pipe.HDel(ctx, deadReasonsKey, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "queue expire dead letters failed")
	}
	return len(ids), nil
}

func anySlice(ids []string) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func (m *Manager) Close() error {
	return m.client.Close()
}
