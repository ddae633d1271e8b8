package database

import (
	"context"
	"fmt"
	"strings"
	"time"
	"xfl/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const redisPingTimeout = 5 * time.Second

type RedisParams struct {
	fx.In

	Lc     fx.Lifecycle
	Config *config.AppConfig
	Logger *zap.Logger
}

// NewRedisClient connects to redis through OVERRIDE_REDIS_URL or, failing
// that, the sentinel setup. It returns a nil client when neither is
// configured.
func NewRedisClient(p RedisParams) (redis.UniversalClient, error) {
	if !p.Config.RedisEnabled() {
		p.Logger.Debug("redis not configured, stats mirror disabled")
		return nil, nil
	}

	opts, err := redisOptions(p.Config)
	if err != nil {
		p.Logger.Error("Invalid redis configuration", zap.Error(err))
		return nil, err
	}
	client := redis.NewUniversalClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		p.Logger.Error("Failed to create Redis client", zap.Error(err))
		client.Close()
		return nil, err
	}

	p.Lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	p.Logger.Debug("Redis client created successfully", zap.Strings("addrs", opts.Addrs))
	return client, nil
}

// redisOptions maps the configuration onto universal options. A master name
// makes NewUniversalClient build a sentinel backed failover client.
func redisOptions(cfg *config.AppConfig) (*redis.UniversalOptions, error) {
	if cfg.RedisUrl != "" {
		o, err := redis.ParseURL(cfg.RedisUrl)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		return &redis.UniversalOptions{
			Addrs:     []string{o.Addr},
			Username:  o.Username,
			Password:  o.Password,
			DB:        o.DB,
			TLSConfig: o.TLSConfig,
		}, nil
	}

	var addrs []string
	for _, host := range strings.Split(cfg.RedisSentinelHosts, ",") {
		if host = strings.TrimSpace(host); host != "" {
			addrs = append(addrs, host)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no redis sentinel hosts in %q", cfg.RedisSentinelHosts)
	}
	return &redis.UniversalOptions{
		MasterName: cfg.RedisMasterName,
		Addrs:      addrs,
		DB:         0,
	}, nil
}
