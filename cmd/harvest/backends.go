package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/Sternrassler/profile-harvest/pkg/cache"
	"github.com/Sternrassler/profile-harvest/pkg/checkpoint"
	"github.com/Sternrassler/profile-harvest/pkg/ledger"
	"github.com/Sternrassler/profile-harvest/pkg/pagination"
	"github.com/Sternrassler/profile-harvest/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// backends opens the persistence layer selected by the configuration and
// shares one Redis connection between the components that need it.
type backends struct {
	cfg    *Config
	logger zerolog.Logger
	redis  *redis.Client
}

func newBackends(cfg *Config, logger zerolog.Logger) *backends {
	return &backends{cfg: cfg, logger: logger}
}

func (b *backends) key(suffix string) string {
	return b.cfg.Redis.Prefix + ":" + suffix
}

func (b *backends) redisClient(ctx context.Context) (*redis.Client, error) {
	if b.redis != nil {
		return b.redis, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     b.cfg.Redis.Addr,
		Password: b.cfg.Redis.Password,
		DB:       b.cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", b.cfg.Redis.Addr, err)
	}
	b.logger.Debug().Str("addr", b.cfg.Redis.Addr).Msg("Connected to Redis")
	b.redis = client
	return client, nil
}

func (b *backends) ledger(ctx context.Context) (ledger.Ledger, error) {
	if b.cfg.Backend == backendRedis {
		client, err := b.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return ledger.NewRedisLedger(client, b.key("ledger:ids"), b.logger)
	}
	return ledger.OpenFile(filepath.Join(b.cfg.DataDir, ledger.DefaultFileName), b.logger)
}

func (b *backends) checkpoints(ctx context.Context) (checkpoint.Store, error) {
	if b.cfg.Backend == backendRedis {
		client, err := b.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return checkpoint.NewRedisStore(client, b.key("checkpoint"), 0, b.logger)
	}
	return checkpoint.NewFileStore(filepath.Join(b.cfg.DataDir, "checkpoints"), b.logger)
}

func (b *backends) cooldown(ctx context.Context) (*ratelimit.Tracker, error) {
	cfg := ratelimit.Config{Base: b.cfg.Cooldown.Base, Max: b.cfg.Cooldown.Max}
	if b.cfg.Backend == backendRedis {
		client, err := b.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		cfg.Key = b.key("cooldown:state")
		return ratelimit.NewTracker(client, cfg, b.logger), nil
	}
	cfg.Path = filepath.Join(b.cfg.DataDir, "cooldown.json")
	return ratelimit.NewTracker(nil, cfg, b.logger), nil
}

// pageCache returns nil when the cache is disabled. The cache always lives
// in Redis, whatever the backend.
func (b *backends) pageCache(ctx context.Context) (pagination.PageCache, *cache.Manager, error) {
	if !b.cfg.Cache.Enabled {
		return nil, nil, nil
	}
	client, err := b.redisClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	m := cache.NewManager(client, cache.Config{TTL: b.cfg.Cache.TTL})
	return m, m, nil
}

func (b *backends) Close() error {
	if b.redis != nil {
		return b.redis.Close()
	}
	return nil
}
