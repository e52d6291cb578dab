package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Sternrassler/profile-harvest/pkg/logging"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const backendRedis = "redis"

// Redis key layout.
const (
	DefaultRedisPrefix = "harvest:checkpoint"
	lockSuffix         = ":lock"
)

// DefaultLockTTL bounds how long a crashed holder blocks the signature.
const DefaultLockTTL = 2 * time.Minute

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only if it still carries our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisStore keeps checkpoints as JSON values in Redis.
type RedisStore struct {
	redis   *redis.Client
	prefix  string
	lockTTL time.Duration
	logger  zerolog.Logger
}

// NewRedisStore creates a Redis-backed store. Empty prefix and zero TTL use defaults.
func NewRedisStore(client *redis.Client, prefix string, lockTTL time.Duration, logger zerolog.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &RedisStore{redis: client, prefix: prefix, lockTTL: lockTTL, logger: logger}, nil
}

func (s *RedisStore) key(signature string) string {
	return s.prefix + ":" + signature
}

// Save implements Store. A single SET replaces the value atomically.
func (s *RedisStore) Save(ctx context.Context, signature string, state *State) error {
	if state == nil {
		return fmt.Errorf("checkpoint state cannot be nil")
	}

	data, err := json.Marshal(state)
	if err != nil {
		checkpointOpsTotal.WithLabelValues(backendRedis, "save", "error").Inc()
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	if err := s.redis.Set(ctx, s.key(signature), data, 0).Err(); err != nil {
		checkpointOpsTotal.WithLabelValues(backendRedis, "save", "error").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	checkpointOpsTotal.WithLabelValues(backendRedis, "save", "ok").Inc()
	return nil
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, signature string) (*State, error) {
	data, err := s.redis.Get(ctx, s.key(signature)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			checkpointOpsTotal.WithLabelValues(backendRedis, "load", "miss").Inc()
			return nil, nil
		}
		checkpointOpsTotal.WithLabelValues(backendRedis, "load", "error").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		checkpointOpsTotal.WithLabelValues(backendRedis, "load", "error").Inc()
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, signature, err)
	}
	if state.Signature != signature {
		checkpointOpsTotal.WithLabelValues(backendRedis, "load", "error").Inc()
		return nil, fmt.Errorf("%w: signature mismatch (key %s, state %s)", ErrCorrupt, signature, state.Signature)
	}

	checkpointOpsTotal.WithLabelValues(backendRedis, "load", "hit").Inc()
	return &state, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, signature string) error {
	if err := s.redis.Del(ctx, s.key(signature)).Err(); err != nil {
		checkpointOpsTotal.WithLabelValues(backendRedis, "delete", "error").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	checkpointOpsTotal.WithLabelValues(backendRedis, "delete", "ok").Inc()
	return nil
}

// List returns the signatures that have a checkpoint, sorted.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	prefix := s.prefix + ":"
	var out []string
	iter := s.redis.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, lockSuffix) {
			continue
		}
		out = append(out, strings.TrimPrefix(key, prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// Lock implements Store with SET NX and a token. The lock is refreshed in
// the background until released so long breaks do not let it expire.
func (s *RedisStore) Lock(ctx context.Context, signature string) (Unlock, error) {
	lockKey := s.key(signature) + lockSuffix
	token := uuid.NewString()

	ok, err := s.redis.SetNX(ctx, lockKey, token, s.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, signature)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.lockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				held, err := refreshScript.Run(context.Background(), s.redis, []string{lockKey}, token, s.lockTTL.Milliseconds()).Int()
				if err != nil {
					s.logger.Warn().Err(err).Str(logging.FieldSignature, signature).Msg("Failed to refresh run lock")
					continue
				}
				if held == 0 {
					lockLostTotal.Inc()
					s.logger.Error().Str(logging.FieldSignature, signature).Msg("Run lock lost, another run may hold this signature")
					return
				}
			}
		}
	}()

	return func() error {
		close(stop)
		<-done
		if err := releaseScript.Run(context.Background(), s.redis, []string{lockKey}, token).Err(); err != nil {
			return fmt.Errorf("release lock: %w", err)
		}
		return nil
	}, nil
}
