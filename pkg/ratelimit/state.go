// Package ratelimit tracks source blocks and enforces a cooldown before the
// next run. Consecutive blocks grow the cooldown exponentially so a source
// that keeps refusing service is left alone for progressively longer.
package ratelimit

import (
	"time"
)

// RedisKeyCooldown is the default Redis key holding the cooldown state.
const RedisKeyCooldown = "harvest:cooldown:state"

// Cooldown defaults.
const (
	// DefaultBaseCooldown is the pause after the first block.
	DefaultBaseCooldown = 30 * time.Minute

	// DefaultMaxCooldown caps exponential growth.
	DefaultMaxCooldown = 24 * time.Hour
)

// CooldownState is the persisted block history.
type CooldownState struct {
	// BlockedAt is when the most recent block was observed.
	BlockedAt time.Time `json:"blocked_at"`

	// Until is when the current cooldown ends.
	Until time.Time `json:"until"`

	// Consecutive counts blocks without an intervening success.
	Consecutive int `json:"consecutive"`

	// LastSuccess is when a request last succeeded.
	LastSuccess time.Time `json:"last_success"`
}

// Active reports whether the cooldown is still running at now.
func (s *CooldownState) Active(now time.Time) bool {
	return now.Before(s.Until)
}

// Remaining returns the cooldown left at now, or 0.
func (s *CooldownState) Remaining(now time.Time) time.Duration {
	d := s.Until.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// CooldownFor returns base * 2^(consecutive-1), capped at max.
func CooldownFor(base, max time.Duration, consecutive int) time.Duration {
	if consecutive <= 0 {
		return 0
	}
	d := base
	for i := 1; i < consecutive; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
