package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"PPIM/global"
	"PPIM/logger"
	"PPIM/module/chat/member"
	"PPIM/module/chat/message"
	"PPIM/module/chat/seq"
	chatsrv "PPIM/service/chat"
	"PPIM/service/fanout"
	"PPIM/service/kafka"
	"PPIM/service/mgo"
	"PPIM/service/push"
	"PPIM/service/storage"
	"PPIM/tools/safe"
	"PPIM/tools/security"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	global.ConfigAll()
	conf := global.Conf
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := storage.InitRedis(storage.Config{
		Addr:     conf.RedisAddr,
		Password: conf.RedisPassword,
		DB:       conf.RedisDB,
	}); err != nil {
		logger.Error("redis init failed", zap.Error(err))
		return
	}
	defer func() { _ = storage.CloseRedis() }()
	rcli := storage.GetClient()

	if err := mgo.InitMongo(mgo.Config{URI: conf.MongoURI, Database: conf.MongoDatabase}); err != nil {
		logger.Error("mongo init failed", zap.Error(err))
		return
	}
	defer mgo.CloseMongo()
	db := mgo.GetDB()

	// Durable stores and indexes.
	store := message.NewMongoStore(db)
	seqDAO := seq.NewDAO(db)
	if err := store.EnsureIndexes(ctx); err != nil {
		logger.Warn("message index build failed", zap.Error(err))
	}
	if err := seqDAO.EnsureIndexes(ctx); err != nil {
		logger.Warn("seq index build failed", zap.Error(err))
	}

	// Fan-out over redis pub/sub, local bus as fallback.
	fo := fanout.New(rcli, fanout.NewBus())
	safe.Go(func() { fo.Run(ctx) })

	// Optional export stream.
	var exporter message.Exporter
	if len(conf.KafkaBrokers) > 0 {
		exp, err := kafka.NewExporter(conf.KafkaBrokers, conf.KafkaExportTopic)
		if err != nil {
			logger.Warn("kafka exporter disabled", zap.Error(err))
		} else {
			defer func() { _ = exp.Close() }()
			exporter = exp
		}
	}

	// Optional push hook.
	var notifier push.Notifier = push.NoopNotifier{}
	if conf.NatsURL != "" {
		n, err := push.NewNatsNotifier(conf.NatsURL)
		if err != nil {
			logger.Warn("push notifier disabled", zap.Error(err))
		} else {
			defer n.Close()
			notifier = n
		}
	}

	// Write path.
	alloc := seq.NewAllocator(seq.NewRedisCounterCache(rcli), seqDAO, store)
	buf := message.NewBuffer(store, message.NewMongoDeadLetters(db), fo, exporter,
		conf.FlushCount, conf.FlushInterval)
	svc := message.NewService(store, alloc, buf)

	// Delivery side.
	reg := chatsrv.NewRegistry(chatsrv.RegistryConf{TTL: conf.PresenceTTL}, nil)
	gw := chatsrv.NewGateway(
		chatsrv.GatewayConf{
			Node:              conf.NodeID,
			OfflineDrainLimit: conf.OfflineDrainLimit,
			SyncPageLimit:     conf.SyncPageLimit,
			OfflineLockTTL:    conf.OfflineLockTTL,
		},
		chatsrv.EngineConf{AckTimeout: conf.AckTimeout, MaxRetries: conf.MaxRetries},
		reg, svc,
		member.NewMongoProvider(db),
		storage.NewRedisPresence(rcli, conf.PresenceTTL),
		storage.NewRedisOfflineQueue(rcli, conf.OfflineQueueCap),
		storage.NewRedisAckStore(rcli),
		storage.NewRedisUnreadCounter(rcli),
		notifier,
	)
	gw.Start(fo.Bus())

	jwtOpts := security.DefaultOptions([]byte(conf.JWTSecret))
	ws := chatsrv.NewServer(gw, jwtOpts, conf.TenantID)
	api := chatsrv.NewAPI(svc, fo, storage.NewRedisAckStore(rcli), storage.NewRedisUnreadCounter(rcli),
		jwtOpts, conf.TenantID, conf.SyncPageLimit, conf.SyncPageLimitMax)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/ws", ws.HandleWS)
	api.Register(r.Group("/api"))

	srv := &http.Server{Addr: fmt.Sprintf(":%d", conf.Port), Handler: r}
	go func() {
		logger.Infof("gateway %s listening on :%d", conf.NodeID, conf.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	gw.Stop()
	// Staged messages must reach the store before the process exits.
	buf.Close()
}
