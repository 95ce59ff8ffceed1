package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AckStore keeps the per-user per-conversation delivery cursor: the
// highest seq the user has confirmed. Cursors only move forward.
type AckStore interface {
	// AdvanceCursor lifts the cursor to at least seq and returns the
	// resulting cursor value. A stale seq is a no-op, not an error.
	AdvanceCursor(ctx context.Context, tenant, user, convID string, seq int64) (int64, error)
	Cursor(ctx context.Context, tenant, user, convID string) (int64, error)
}

// Cursors expire after a quiet week; the durable store's history remains
// the source of truth and a missing cursor just means a fuller resync.
const ackCursorTTL = 7 * 24 * time.Hour

var luaAdvanceCursor = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local seq = tonumber(ARGV[1])
if seq > cur then
  redis.call("SET", KEYS[1], seq, "EX", tonumber(ARGV[2]))
  return seq
end
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[2]))
return cur
`)

type RedisAckStore struct{ cli *redis.Client }

func NewRedisAckStore(cli *redis.Client) *RedisAckStore { return &RedisAckStore{cli: cli} }

func ackKey(tenant, user, convID string) string {
	return fmt.Sprintf("im:ack:%s:%s:%s", tenant, user, convID)
}

func (a *RedisAckStore) AdvanceCursor(ctx context.Context, tenant, user, convID string, seq int64) (int64, error) {
	return luaAdvanceCursor.Run(ctx, a.cli,
		[]string{ackKey(tenant, user, convID)},
		seq, int64(ackCursorTTL.Seconds()),
	).Int64()
}

func (a *RedisAckStore) Cursor(ctx context.Context, tenant, user, convID string) (int64, error) {
	v, err := a.cli.Get(ctx, ackKey(tenant, user, convID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}
