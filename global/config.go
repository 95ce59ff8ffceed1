package global

import (
	"os"
	"strconv"
	"strings"
	"time"

	"PPIM/tools/ids"
)

// AppConfig is the whole-process configuration. Every timing knob of the
// delivery core lives here so tests can shrink them.
type AppConfig struct {
	NodeID   string // unique per gateway instance
	Port     int
	TenantID string // single-tenant default; requests may override

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MongoURI      string
	MongoDatabase string

	NatsURL          string   // empty: push hook disabled
	KafkaBrokers     []string // empty: export disabled
	KafkaExportTopic string

	JWTSecret string

	// Reliable delivery
	AckTimeout time.Duration
	MaxRetries int

	// Presence
	PresenceTTL time.Duration

	// Offline queue
	OfflineDrainLimit int
	OfflineQueueCap   int64
	OfflineLockTTL    time.Duration

	// Reconnect sync
	SyncPageLimit    int
	SyncPageLimitMax int

	// Write buffer
	FlushCount    int
	FlushInterval time.Duration
}

var Conf AppConfig

func (c *AppConfig) norm() {
	if c.NodeID == "" {
		c.NodeID = "gw-" + ids.GenerateString()
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.TenantID == "" {
		c.TenantID = "default"
	}
	if c.MongoDatabase == "" {
		c.MongoDatabase = "ppim"
	}
	if c.KafkaExportTopic == "" {
		c.KafkaExportTopic = "im.message.persisted"
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 90 * time.Second
	}
	if c.OfflineDrainLimit <= 0 {
		c.OfflineDrainLimit = 200
	}
	if c.OfflineQueueCap <= 0 {
		c.OfflineQueueCap = 10_000
	}
	if c.OfflineLockTTL <= 0 {
		c.OfflineLockTTL = 30 * time.Second
	}
	if c.SyncPageLimit <= 0 {
		c.SyncPageLimit = 200
	}
	if c.SyncPageLimitMax <= 0 {
		c.SyncPageLimitMax = 500
	}
	if c.FlushCount <= 0 {
		c.FlushCount = 50
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
}

// ConfigAll populates Conf from the environment and applies defaults.
func ConfigAll() {
	Conf = AppConfig{
		NodeID:        os.Getenv("NODE_ID"),
		Port:          envInt("PORT", 0),
		TenantID:      os.Getenv("TENANT_ID"),
		RedisAddr:     envDefault("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
		MongoURI:      envDefault("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: os.Getenv("MONGO_DATABASE"),
		NatsURL:       os.Getenv("NATS_URL"),
		JWTSecret:     envDefault("JWT_SECRET", "dev-secret"),
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		Conf.KafkaBrokers = strings.Split(v, ",")
	}
	Conf.norm()
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
