package bootstrap

import (
	"context"
	"crypto/tls"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-offline-sync/internal/cache"
	appconfig "github.com/wolfman30/clinic-offline-sync/internal/config"
	"github.com/wolfman30/clinic-offline-sync/internal/observability/metrics"
	"github.com/wolfman30/clinic-offline-sync/internal/store"
	"github.com/wolfman30/clinic-offline-sync/pkg/logging"
)

// BuildLogger writes to a rotated file when LOG_FILE is set, stdout otherwise.
func BuildLogger(cfg *appconfig.Config) *logging.Logger {
	if cfg == nil {
		return logging.Default()
	}
	if strings.TrimSpace(cfg.LogFile) == "" {
		return logging.New(cfg.LogLevel)
	}
	return logging.NewFile(cfg.LogLevel, logging.FileConfig{
		Path:       cfg.LogFile,
		MaxSizeMB:  10,
		MaxBackups: 5,
		MaxAgeDays: 30,
	})
}

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildCache layers the local store first and Redis second when a client is
// available.
func BuildCache(cfg *appconfig.Config, st *store.Store, redisClient *redis.Client, m *metrics.SyncMetrics, logger *logging.Logger) *cache.ReadThrough {
	if st == nil {
		panic("bootstrap: store required")
	}
	tiers := []cache.Backend{cache.NewLocal(st)}
	if redisClient != nil {
		tiers = append(tiers, cache.NewRedis(redisClient, ""))
	}
	ttl := store.DefaultCacheTTL
	if cfg != nil && cfg.CacheTTL > 0 {
		ttl = cfg.CacheTTL
	}
	return cache.NewReadThrough(ttl, logger, tiers...).WithMetrics(m)
}
