package mgo

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	mgoOnce sync.Once
	mgoMgr  *MongoManager
)

type MongoManager struct {
	client *mongo.Client
	db     *mongo.Database
}

type Config struct {
	URI         string
	Database    string
	MaxPoolSize uint64
}

// InitMongo connects and pings once (singleton).
func InitMongo(c Config) error {
	var initErr error
	mgoOnce.Do(func() {
		if c.MaxPoolSize == 0 {
			c.MaxPoolSize = 20
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		cli, err := mongo.Connect(ctx, options.Client().
			ApplyURI(c.URI).
			SetMaxPoolSize(c.MaxPoolSize))
		if err != nil {
			initErr = err
			return
		}
		if err := cli.Ping(ctx, nil); err != nil {
			initErr = err
			return
		}
		mgoMgr = &MongoManager{client: cli, db: cli.Database(c.Database)}
	})
	return initErr
}

func GetDB() *mongo.Database {
	if mgoMgr == nil {
		panic("Mongo not initialized, call InitMongo first")
	}
	return mgoMgr.db
}

func TryGetDB() (*mongo.Database, bool) {
	if mgoMgr == nil {
		return nil, false
	}
	return mgoMgr.db, true
}

func CloseMongo() error {
	if mgoMgr != nil && mgoMgr.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return mgoMgr.client.Disconnect(ctx)
	}
	return nil
}
