package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence tracks which connections a user currently holds, across all
// gateway nodes. Liveness is TTL-driven: a connection that stops
// heartbeating ages out without any explicit offline call.
type Presence interface {
	MarkOnline(ctx context.Context, tenant, user, connID, node string) error
	Heartbeat(ctx context.Context, tenant, user, connID, node string) error
	MarkOffline(ctx context.Context, tenant, user, connID string) error
	// IsOnlineAnywhere reports whether any node holds a live connection
	// for the user.
	IsOnlineAnywhere(ctx context.Context, tenant, user string) (bool, error)
}

// RedisPresence stores one key per connection plus a per-user ZSET index
// scored by expiry, so the "online anywhere" check is a single ZCARD
// after pruning, never a SCAN.
type RedisPresence struct {
	cli *redis.Client
	ttl time.Duration
}

func NewRedisPresence(cli *redis.Client, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &RedisPresence{cli: cli, ttl: ttl}
}

func presenceKey(tenant, user, connID string) string {
	return fmt.Sprintf("im:presence:%s:%s:%s", tenant, user, connID)
}

func presenceIdxKey(tenant, user string) string {
	return fmt.Sprintf("im:presence:idx:%s:%s", tenant, user)
}

func (p *RedisPresence) MarkOnline(ctx context.Context, tenant, user, connID, node string) error {
	expAt := time.Now().Add(p.ttl).Unix()
	pipe := p.cli.TxPipeline()
	pipe.Set(ctx, presenceKey(tenant, user, connID), node, p.ttl)
	pipe.ZAdd(ctx, presenceIdxKey(tenant, user), redis.Z{Score: float64(expAt), Member: connID})
	pipe.Expire(ctx, presenceIdxKey(tenant, user), p.ttl*2)
	_, err := pipe.Exec(ctx)
	return err
}

// Heartbeat renews both the connection key and its index entry.
func (p *RedisPresence) Heartbeat(ctx context.Context, tenant, user, connID, node string) error {
	return p.MarkOnline(ctx, tenant, user, connID, node)
}

func (p *RedisPresence) MarkOffline(ctx context.Context, tenant, user, connID string) error {
	pipe := p.cli.TxPipeline()
	pipe.Del(ctx, presenceKey(tenant, user, connID))
	pipe.ZRem(ctx, presenceIdxKey(tenant, user), connID)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *RedisPresence) IsOnlineAnywhere(ctx context.Context, tenant, user string) (bool, error) {
	idx := presenceIdxKey(tenant, user)
	now := strconv.FormatInt(time.Now().Unix(), 10)
	pipe := p.cli.TxPipeline()
	pipe.ZRemRangeByScore(ctx, idx, "-inf", now)
	card := pipe.ZCard(ctx, idx)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return card.Val() > 0, nil
}
