package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// UnreadCounter tracks per-user per-conversation unread badges. Advisory
// only: a lost increment shows a smaller badge, never a lost message.
type UnreadCounter interface {
	Incr(ctx context.Context, tenant, user, convID string) (int64, error)
	Get(ctx context.Context, tenant, user, convID string) (int64, error)
	Reset(ctx context.Context, tenant, user, convID string) error
}

type RedisUnreadCounter struct{ cli *redis.Client }

func NewRedisUnreadCounter(cli *redis.Client) *RedisUnreadCounter {
	return &RedisUnreadCounter{cli: cli}
}

func unreadKey(tenant, user, convID string) string {
	return fmt.Sprintf("im:unread:%s:%s:%s", tenant, user, convID)
}

func (u *RedisUnreadCounter) Incr(ctx context.Context, tenant, user, convID string) (int64, error) {
	return u.cli.Incr(ctx, unreadKey(tenant, user, convID)).Result()
}

func (u *RedisUnreadCounter) Get(ctx context.Context, tenant, user, convID string) (int64, error) {
	v, err := u.cli.Get(ctx, unreadKey(tenant, user, convID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (u *RedisUnreadCounter) Reset(ctx context.Context, tenant, user, convID string) error {
	return u.cli.Del(ctx, unreadKey(tenant, user, convID)).Err()
}
