package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// OfflineQueue buffers payloads for users with no live connection. One
// list per (user, conversation); a capacity trim keeps the newest entries
// and the drain reports truncation so the client falls back to a full
// resync instead of trusting a gappy replay.
type OfflineQueue interface {
	Enqueue(ctx context.Context, tenant, user, convID string, payload []byte) error
	// Drain removes and returns up to limit queued payloads in enqueue
	// order. truncated reports that entries remain queued past the limit;
	// they are left for a later drain (the durable store has them
	// regardless). limit <= 0 removes nothing and only reports whether
	// the queue is non-empty.
	Drain(ctx context.Context, tenant, user, convID string, limit int) (items [][]byte, truncated bool, err error)
	// TryLock takes the per-(user, message) enqueue lock so exactly one
	// node queues a given message for a given offline user.
	TryLock(ctx context.Context, tenant, user, msgID string, ttl time.Duration) (bool, error)
}

type RedisOfflineQueue struct {
	cli *redis.Client
	cap int64
}

func NewRedisOfflineQueue(cli *redis.Client, capacity int64) *RedisOfflineQueue {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &RedisOfflineQueue{cli: cli, cap: capacity}
}

func offlineKey(tenant, user, convID string) string {
	return fmt.Sprintf("im:offline:%s:%s:%s", tenant, user, convID)
}

func offlineLockKey(tenant, user, msgID string) string {
	return fmt.Sprintf("im:offline:lock:%s:%s:%s", tenant, user, msgID)
}

func (q *RedisOfflineQueue) Enqueue(ctx context.Context, tenant, user, convID string, payload []byte) error {
	key := offlineKey(tenant, user, convID)
	pipe := q.cli.TxPipeline()
	pipe.RPush(ctx, key, payload)
	// Rolling window: keep the newest cap entries.
	pipe.LTrim(ctx, key, -q.cap, -1)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisOfflineQueue) Drain(ctx context.Context, tenant, user, convID string, limit int) ([][]byte, bool, error) {
	key := offlineKey(tenant, user, convID)
	if limit <= 0 {
		llen, err := q.cli.LLen(ctx, key).Result()
		return nil, llen > 0, err
	}
	// Range and trim in one transaction so an entry pushed by another node
	// between the two commands is kept, not deleted.
	pipe := q.cli.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, int64(limit)-1)
	lenCmd := pipe.LLen(ctx, key)
	pipe.LTrim(ctx, key, int64(limit), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, err
	}
	vals := rangeCmd.Val()
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, lenCmd.Val() > int64(len(vals)), nil
}

func (q *RedisOfflineQueue) TryLock(ctx context.Context, tenant, user, msgID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return q.cli.SetNX(ctx, offlineLockKey(tenant, user, msgID), "1", ttl).Result()
}
