package storage

import (
	"context"
	"sync"

	errors "PPIM/tools/errs"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

var (
	rdb     *redis.Client
	rdbOnce sync.Once
)

// InitRedis connects the shared client. Call once at startup.
func InitRedis(c Config) error {
	var err error
	rdbOnce.Do(func() {
		cli := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
		err = cli.Ping(context.Background()).Err()
		if err == nil {
			rdb = cli
		}
	})
	if err != nil {
		return err
	}
	if rdb == nil {
		return errors.New("redis not initialized")
	}
	return nil
}

// GetClient returns the shared client; panics if InitRedis was not called.
func GetClient() *redis.Client {
	if rdb == nil {
		panic("redis not initialized, call InitRedis first")
	}
	return rdb
}

// CloseRedis releases the shared client.
func CloseRedis() error {
	if rdb == nil {
		return nil
	}
	return rdb.Close()
}
