// Package pacing defines the randomized bounds that govern request cadence
// and the interruptible sleeper used at every suspension point.
package pacing

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// IntRange is an inclusive [Min, Max] integer range.
type IntRange struct {
	Min int `json:"min" mapstructure:"min"`
	Max int `json:"max" mapstructure:"max"`
}

// Validate checks that the range is non-empty and strictly positive.
func (r IntRange) Validate(name string) error {
	if r.Min <= 0 {
		return fmt.Errorf("%s: min must be > 0 (got %d)", name, r.Min)
	}
	if r.Max < r.Min {
		return fmt.Errorf("%s: max %d < min %d", name, r.Max, r.Min)
	}
	return nil
}

// Sample draws uniformly from the inclusive range.
func (r IntRange) Sample(rng *rand.Rand) int {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rng.Intn(r.Max-r.Min+1)
}

// DurationRange is an inclusive [Min, Max] duration range.
type DurationRange struct {
	Min time.Duration `json:"min" mapstructure:"min"`
	Max time.Duration `json:"max" mapstructure:"max"`
}

// Validate checks that the range is non-negative and ordered.
func (r DurationRange) Validate(name string) error {
	if r.Min < 0 {
		return fmt.Errorf("%s: min must be >= 0 (got %s)", name, r.Min)
	}
	if r.Max < r.Min {
		return fmt.Errorf("%s: max %s < min %s", name, r.Max, r.Min)
	}
	return nil
}

// Sample draws uniformly from the inclusive range.
func (r DurationRange) Sample(rng *rand.Rand) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + time.Duration(rng.Int63n(int64(r.Max-r.Min)+1))
}

// Mean returns the midpoint of the range.
func (r DurationRange) Mean() time.Duration {
	return r.Min + (r.Max-r.Min)/2
}

// Profile groups the three ranges a batch plan is drawn from.
type Profile struct {
	BatchSize  IntRange      `json:"batch_size" mapstructure:"batch_size"`
	ItemDelay  DurationRange `json:"item_delay" mapstructure:"item_delay"`
	BatchBreak DurationRange `json:"batch_break" mapstructure:"batch_break"`
}

// Validate checks every range in the profile.
func (p Profile) Validate() error {
	if err := p.BatchSize.Validate("batch_size"); err != nil {
		return err
	}
	if err := p.ItemDelay.Validate("item_delay"); err != nil {
		return err
	}
	return p.BatchBreak.Validate("batch_break")
}

// Estimate returns the expected wall time to fetch n items with this profile.
func (p Profile) Estimate(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	avgBatch := float64(p.BatchSize.Min+p.BatchSize.Max) / 2
	batches := int(float64(n)/avgBatch + 0.999)
	if batches < 1 {
		batches = 1
	}
	return time.Duration(n)*p.ItemDelay.Mean() + time.Duration(batches-1)*p.BatchBreak.Mean()
}

// Preset names accepted by ProfileByName.
const (
	PresetConservative = "conservative"
	PresetBalanced     = "balanced"
	PresetAggressive   = "aggressive"
)

// Conservative is the slowest preset (~3-4 items/hour).
func Conservative() Profile {
	return Profile{
		BatchSize:  IntRange{Min: 3, Max: 6},
		ItemDelay:  DurationRange{Min: 15 * time.Second, Max: 25 * time.Second},
		BatchBreak: DurationRange{Min: 45 * time.Minute, Max: 75 * time.Minute},
	}
}

// Balanced is the default preset.
func Balanced() Profile {
	return Profile{
		BatchSize:  IntRange{Min: 5, Max: 15},
		ItemDelay:  DurationRange{Min: 15 * time.Second, Max: 60 * time.Second},
		BatchBreak: DurationRange{Min: 10 * time.Minute, Max: 20 * time.Minute},
	}
}

// Aggressive trades detection risk for throughput. Use with caution.
func Aggressive() Profile {
	return Profile{
		BatchSize:  IntRange{Min: 10, Max: 20},
		ItemDelay:  DurationRange{Min: 5 * time.Second, Max: 10 * time.Second},
		BatchBreak: DurationRange{Min: 10 * time.Minute, Max: 15 * time.Minute},
	}
}

// ProfileByName resolves a preset name (case-insensitive).
func ProfileByName(name string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case PresetConservative:
		return Conservative(), nil
	case PresetBalanced, "":
		return Balanced(), nil
	case PresetAggressive:
		return Aggressive(), nil
	default:
		return Profile{}, fmt.Errorf("unknown pacing preset %q", name)
	}
}

// Sleeper waits for a duration unless the context ends first.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// TimerSleeper sleeps on a real timer and wakes immediately on cancellation.
type TimerSleeper struct{}

// Sleep implements Sleeper.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
