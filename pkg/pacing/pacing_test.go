package pacing

import (
	"context"
	"math/rand"
	"testing"
	"time"
)

func TestIntRange_SampleWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	r := IntRange{Min: 5, Max: 15}
	seen := make(map[int]bool)

	for i := 0; i < 5000; i++ {
		v := r.Sample(rng)
		if v < r.Min || v > r.Max {
			t.Fatalf("Sample() = %d, outside [%d, %d]", v, r.Min, r.Max)
		}
		seen[v] = true
	}

	// Inclusive on both ends
	if !seen[5] || !seen[15] {
		t.Errorf("Sample() never hit a bound: min=%v max=%v", seen[5], seen[15])
	}
}

func TestDurationRange_SampleWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	r := DurationRange{Min: 15 * time.Second, Max: 60 * time.Second}

	for i := 0; i < 5000; i++ {
		v := r.Sample(rng)
		if v < r.Min || v > r.Max {
			t.Fatalf("Sample() = %v, outside [%v, %v]", v, r.Min, r.Max)
		}
	}

	fixed := DurationRange{Min: time.Second, Max: time.Second}
	if got := fixed.Sample(rng); got != time.Second {
		t.Errorf("degenerate range Sample() = %v, want 1s", got)
	}
}

func TestRange_Validate(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"valid int", IntRange{Min: 1, Max: 3}.Validate("x"), false},
		{"zero min", IntRange{Min: 0, Max: 3}.Validate("x"), true},
		{"inverted int", IntRange{Min: 4, Max: 3}.Validate("x"), true},
		{"valid duration", DurationRange{Min: 0, Max: time.Second}.Validate("x"), false},
		{"negative duration", DurationRange{Min: -time.Second, Max: time.Second}.Validate("x"), true},
		{"inverted duration", DurationRange{Min: 2 * time.Second, Max: time.Second}.Validate("x"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if (tt.err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", tt.err, tt.wantErr)
			}
		})
	}
}

func TestProfileByName(t *testing.T) {
	for _, name := range []string{"conservative", "Balanced", "AGGRESSIVE", ""} {
		p, err := ProfileByName(name)
		if err != nil {
			t.Errorf("ProfileByName(%q) error = %v", name, err)
			continue
		}
		if err := p.Validate(); err != nil {
			t.Errorf("preset %q invalid: %v", name, err)
		}
	}

	if _, err := ProfileByName("reckless"); err == nil {
		t.Error("ProfileByName should reject unknown presets")
	}
}

func TestProfile_Estimate(t *testing.T) {
	p := Profile{
		BatchSize:  IntRange{Min: 10, Max: 10},
		ItemDelay:  DurationRange{Min: time.Second, Max: time.Second},
		BatchBreak: DurationRange{Min: time.Minute, Max: time.Minute},
	}

	if got, want := p.Estimate(20), 20*time.Second+time.Minute; got != want {
		t.Errorf("Estimate(20) = %v, want %v", got, want)
	}
	if got := p.Estimate(0); got != 0 {
		t.Errorf("Estimate(0) = %v, want 0", got)
	}
}

func TestTimerSleeper_Cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := TimerSleeper{}.Sleep(ctx, time.Hour)
	if err == nil {
		t.Fatal("Sleep() should return the context error when cancelled")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Sleep() took %v after cancel, want prompt wake-up", elapsed)
	}
}

func TestTimerSleeper_Completes(t *testing.T) {
	if err := (TimerSleeper{}).Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Sleep() error = %v", err)
	}
}
