package ledger

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const backendRedis = "redis"

// DefaultRedisKey is the Redis set holding committed ids.
const DefaultRedisKey = "harvest:ledger:ids"

// RedisLedger stores the id set in a Redis set.
type RedisLedger struct {
	redis  *redis.Client
	key    string
	logger zerolog.Logger
}

// NewRedisLedger creates a Redis-backed ledger. An empty key uses DefaultRedisKey.
func NewRedisLedger(client *redis.Client, key string, logger zerolog.Logger) (*RedisLedger, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisLedger{redis: client, key: key, logger: logger}, nil
}

// Contains implements Ledger.
func (l *RedisLedger) Contains(ctx context.Context, id string) (bool, error) {
	ok, err := l.redis.SIsMember(ctx, l.key, id).Result()
	if err != nil {
		ledgerLookupsTotal.WithLabelValues(backendRedis, "error").Inc()
		return false, fmt.Errorf("redis sismember: %w", err)
	}
	if ok {
		ledgerLookupsTotal.WithLabelValues(backendRedis, "hit").Inc()
	} else {
		ledgerLookupsTotal.WithLabelValues(backendRedis, "miss").Inc()
	}
	return ok, nil
}

// Commit implements Ledger.
func (l *RedisLedger) Commit(ctx context.Context, id string) error {
	added, err := l.redis.SAdd(ctx, l.key, id).Result()
	if err != nil {
		ledgerCommitsTotal.WithLabelValues(backendRedis, "error").Inc()
		l.logger.Error().Err(err).Str("candidate_id", id).Msg("Ledger commit failed")
		return fmt.Errorf("%w: %s: %v", ErrCommitFailed, id, err)
	}
	if added == 0 {
		ledgerCommitsTotal.WithLabelValues(backendRedis, "existing").Inc()
		return nil
	}
	ledgerCommitsTotal.WithLabelValues(backendRedis, "added").Inc()
	ledgerSize.WithLabelValues(backendRedis).Inc()
	return nil
}

// Clear implements Ledger.
func (l *RedisLedger) Clear(ctx context.Context) error {
	if err := l.redis.Del(ctx, l.key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	ledgerSize.WithLabelValues(backendRedis).Set(0)
	l.logger.Warn().Str("key", l.key).Msg("Cleared history ledger")
	return nil
}

// Count implements Ledger.
func (l *RedisLedger) Count(ctx context.Context) (int, error) {
	n, err := l.redis.SCard(ctx, l.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis scard: %w", err)
	}
	return int(n), nil
}
