package ratelimit

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/waterstats/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewRedisClient returns nil when no Redis address is configured. Callers
// treat a nil client as single-replica mode.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	if !cfg.Redis.Enabled() {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	log = log.Named("ratelimit.redis")

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn("redis.ping.failed", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}
