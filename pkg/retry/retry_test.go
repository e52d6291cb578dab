package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/Sternrassler/profile-harvest/internal/testutil"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", config.MaxAttempts)
	}
	if config.InitialBackoff != 2*time.Second {
		t.Errorf("InitialBackoff = %v, want 2s", config.InitialBackoff)
	}
	if config.MaxBackoff != 30*time.Second {
		t.Errorf("MaxBackoff = %v, want 30s", config.MaxBackoff)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if err := (Config{}).Validate(); err == nil {
		t.Error("Validate() should reject zero attempts")
	}
}

func TestDo(t *testing.T) {
	transient := errors.New("transient")
	fatal := errors.New("fatal")

	tests := []struct {
		name         string
		failures     int
		failWith     error
		permanent    bool
		wantAttempts int
		wantErr      error
		wantSleeps   int
	}{
		{name: "success first try", failures: 0, wantAttempts: 1},
		{name: "success after two failures", failures: 2, failWith: transient, wantAttempts: 3, wantSleeps: 2},
		{name: "exhausted", failures: 5, failWith: transient, wantAttempts: 3, wantErr: ErrRetryExhausted, wantSleeps: 2},
		{name: "permanent stops immediately", failures: 5, failWith: fatal, permanent: true, wantAttempts: 1, wantErr: fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sleeper := &testutil.RecordingSleeper{}
			cfg := Config{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, BackoffMultiplier: 2}

			attempts := 0
			err := Do(context.Background(), sleeper, cfg, "test", func(attempt int) error {
				attempts++
				if attempt != attempts {
					t.Errorf("attempt = %d, want %d", attempt, attempts)
				}
				if attempts <= tt.failures {
					if tt.permanent {
						return Permanent(tt.failWith)
					}
					return tt.failWith
				}
				return nil
			})

			if attempts != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", attempts, tt.wantAttempts)
			}
			if tt.wantErr == nil && err != nil {
				t.Errorf("Do() error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Do() error = %v, want %v", err, tt.wantErr)
			}
			if got := len(sleeper.Durations()); got != tt.wantSleeps {
				t.Errorf("sleeps = %d, want %d", got, tt.wantSleeps)
			}
		})
	}
}

func TestDo_ExhaustedWrapsLastError(t *testing.T) {
	last := errors.New("last failure")
	err := Do(context.Background(), &testutil.RecordingSleeper{}, Config{MaxAttempts: 2}, "test", func(int) error {
		return last
	})
	if !errors.Is(err, last) {
		t.Errorf("Do() error = %v, should wrap the last failure", err)
	}
}

func TestDo_BackoffGrowsWithJitter(t *testing.T) {
	sleeper := &testutil.RecordingSleeper{}
	cfg := Config{MaxAttempts: 4, InitialBackoff: time.Second, MaxBackoff: 3 * time.Second, BackoffMultiplier: 2}

	_ = Do(context.Background(), sleeper, cfg, "test", func(int) error { return errors.New("x") })

	bounds := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	got := sleeper.Durations()
	if len(got) != len(bounds) {
		t.Fatalf("sleeps = %d, want %d", len(got), len(bounds))
	}
	for i, base := range bounds {
		low := time.Duration(float64(base) * 0.8)
		high := time.Duration(float64(base) * 1.2)
		if got[i] < low || got[i] > high {
			t.Errorf("sleep[%d] = %v, want within [%v, %v]", i, got[i], low, high)
		}
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sleeper := &testutil.RecordingSleeper{OnSleep: func(int, time.Duration) { cancel() }}

	attempts := 0
	err := Do(ctx, sleeper, Config{MaxAttempts: 5, InitialBackoff: time.Second}, "test", func(int) error {
		attempts++
		return errors.New("x")
	})

	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Do() error = %v, want ErrContextCancelled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	base := errors.New("base")
	p := Permanent(base)
	if !IsPermanent(p) {
		t.Error("IsPermanent() = false, want true")
	}
	if !errors.Is(p, base) {
		t.Error("Permanent error should unwrap to base")
	}
	if IsPermanent(base) {
		t.Error("IsPermanent(base) = true, want false")
	}
}

func TestDo_SeededJitterIsReproducible(t *testing.T) {
	sleeps := func(seed int64) []time.Duration {
		sleeper := &testutil.RecordingSleeper{}
		cfg := Config{
			MaxAttempts:       4,
			InitialBackoff:    time.Second,
			BackoffMultiplier: 2,
			Rand:              rand.New(rand.NewSource(seed)),
		}
		_ = Do(context.Background(), sleeper, cfg, "test", func(int) error { return errors.New("x") })
		return sleeper.Durations()
	}

	a, b := sleeps(7), sleeps(7)
	if len(a) != 3 || len(b) != 3 {
		t.Fatalf("sleeps = %v / %v, want 3 each", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("sleep[%d] = %v and %v with the same seed", i, a[i], b[i])
		}
	}
}

type classedError struct{ retryable bool }

func (e classedError) Error() string   { return "classed" }
func (e classedError) Retryable() bool { return e.retryable }

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"plain", errors.New("x"), false},
		{"retryable", classedError{retryable: true}, false},
		{"not retryable", classedError{retryable: false}, true},
		{"wrapped not retryable", fmt.Errorf("fetch: %w", classedError{}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if IsPermanent(got) != tt.permanent {
				t.Errorf("IsPermanent(Classify(%v)) = %v, want %v", tt.err, !tt.permanent, tt.permanent)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("Classify() lost the original error")
			}
		})
	}
}

func TestDo_NotRetryableStopsAfterOneAttempt(t *testing.T) {
	sleeper := &testutil.RecordingSleeper{}
	attempts := 0
	err := Do(context.Background(), sleeper, Config{MaxAttempts: 3, InitialBackoff: time.Second}, "test", func(int) error {
		attempts++
		return Classify(classedError{})
	})

	var ce classedError
	if !errors.As(err, &ce) {
		t.Errorf("Do() error = %v, want classedError", err)
	}
	if attempts != 1 || len(sleeper.Durations()) != 0 {
		t.Errorf("attempts = %d, sleeps = %d, want 1 and 0", attempts, len(sleeper.Durations()))
	}
}
