package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Sternrassler/profile-harvest/internal/atomicfile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrCooldownActive is returned when a run is refused because of a recent block.
var ErrCooldownActive = errors.New("cooldown active after source block")

// Prometheus metrics for block tracking.
var (
	harvestBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_blocks_total",
		Help: "Total number of blocks reported by the source",
	})

	harvestCooldownSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_cooldown_seconds",
		Help: "Length of the most recently started cooldown",
	})

	harvestCooldownRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_cooldown_rejections_total",
		Help: "Total number of runs or requests refused during a cooldown",
	})
)

// Config holds tracker configuration.
type Config struct {
	// Base is the cooldown after the first block.
	Base time.Duration

	// Max caps the cooldown.
	Max time.Duration

	// Key is the Redis key for the state.
	Key string

	// Path, when set and no Redis client is given, persists the state as a
	// JSON file instead of keeping it in memory.
	Path string
}

// DefaultConfig returns the default cooldown configuration.
func DefaultConfig() Config {
	return Config{
		Base: DefaultBaseCooldown,
		Max:  DefaultMaxCooldown,
		Key:  RedisKeyCooldown,
	}
}

// Tracker records blocks and gates runs. With a nil Redis client the state
// lives in Config.Path, or in memory when no path is set.
type Tracker struct {
	redis  *redis.Client
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	memory CooldownState
}

// NewTracker creates a new block tracker.
func NewTracker(redisClient *redis.Client, cfg Config, logger zerolog.Logger) *Tracker {
	if cfg.Base <= 0 {
		cfg.Base = DefaultBaseCooldown
	}
	if cfg.Max < cfg.Base {
		cfg.Max = cfg.Base
	}
	if cfg.Key == "" {
		cfg.Key = RedisKeyCooldown
	}
	return &Tracker{
		redis:  redisClient,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// GetState returns the current state. A missing state is the zero state.
func (t *Tracker) GetState(ctx context.Context) (*CooldownState, error) {
	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.cfg.Path != "" {
			return t.readFile()
		}
		s := t.memory
		return &s, nil
	}

	data, err := t.redis.Get(ctx, t.cfg.Key).Bytes()
	if err == redis.Nil {
		return &CooldownState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cooldown state: %w", err)
	}

	var state CooldownState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse cooldown state: %w", err)
	}
	return &state, nil
}

func (t *Tracker) setState(ctx context.Context, state *CooldownState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal cooldown state: %w", err)
	}

	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.cfg.Path != "" {
			if err := atomicfile.Write(t.cfg.Path, data, 0o644); err != nil {
				return fmt.Errorf("store cooldown state: %w", err)
			}
			return nil
		}
		t.memory = *state
		return nil
	}

	if err := t.redis.Set(ctx, t.cfg.Key, data, 0).Err(); err != nil {
		return fmt.Errorf("store cooldown state in redis: %w", err)
	}
	return nil
}

// RecordBlock registers a block and starts (or extends) the cooldown.
func (t *Tracker) RecordBlock(ctx context.Context) (*CooldownState, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return nil, err
	}

	now := t.now()
	state.Consecutive++
	state.BlockedAt = now
	cooldown := CooldownFor(t.cfg.Base, t.cfg.Max, state.Consecutive)
	state.Until = now.Add(cooldown)

	if err := t.setState(ctx, state); err != nil {
		return nil, err
	}

	harvestBlocksTotal.Inc()
	harvestCooldownSeconds.Set(cooldown.Seconds())
	t.logger.Error().
		Int("consecutive", state.Consecutive).
		Dur("cooldown", cooldown).
		Time("until", state.Until).
		Msg("Source block recorded - cooldown started")

	return state, nil
}

// RecordSuccess clears the consecutive block count. It writes only when
// there is something to clear.
func (t *Tracker) RecordSuccess(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		return err
	}
	if state.Consecutive == 0 {
		return nil
	}

	state.Consecutive = 0
	state.LastSuccess = t.now()
	if err := t.setState(ctx, state); err != nil {
		return err
	}

	t.logger.Info().Msg("Block streak cleared after successful request")
	return nil
}

// ShouldAllowRun reports whether work may start now. When refused it also
// returns how long the cooldown has left.
func (t *Tracker) ShouldAllowRun(ctx context.Context) (bool, time.Duration, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("get cooldown state: %w", err)
	}

	now := t.now()
	if state.Active(now) {
		wait := state.Remaining(now)
		harvestCooldownRejectionsTotal.Inc()
		t.logger.Warn().
			Int("consecutive", state.Consecutive).
			Dur("wait_duration", wait).
			Msg("Cooldown active - refusing work")
		return false, wait, nil
	}
	return true, 0, nil
}

// Check is ShouldAllowRun folded into an error wrapping ErrCooldownActive.
func (t *Tracker) Check(ctx context.Context) error {
	ok, wait, err := t.ShouldAllowRun(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s remaining", ErrCooldownActive, wait.Round(time.Second))
	}
	return nil
}

// Reset removes the state entirely.
func (t *Tracker) Reset(ctx context.Context) error {
	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.cfg.Path != "" {
			if err := os.Remove(t.cfg.Path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("delete cooldown state: %w", err)
			}
			return nil
		}
		t.memory = CooldownState{}
		return nil
	}
	if err := t.redis.Del(ctx, t.cfg.Key).Err(); err != nil {
		return fmt.Errorf("delete cooldown state: %w", err)
	}
	return nil
}

// readFile loads the file-backed state. The caller holds t.mu.
func (t *Tracker) readFile() (*CooldownState, error) {
	data, err := os.ReadFile(t.cfg.Path)
	if os.IsNotExist(err) {
		return &CooldownState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cooldown state: %w", err)
	}
	var state CooldownState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse cooldown state: %w", err)
	}
	return &state, nil
}
