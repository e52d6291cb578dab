//go:build integration

package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/profile-harvest/internal/testutil"
	"github.com/Sternrassler/profile-harvest/pkg/ratelimit"
	"github.com/Sternrassler/profile-harvest/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedisContainer creates a Redis container for integration testing.
func setupRedisContainer(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisContainer.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestIntegration_BlockCooldownSharedAcrossClients(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	source := testutil.NewMockSource()
	defer source.Close()
	source.QueueResponses("/blocked", testutil.NewRateLimitResponse())

	ctx := context.Background()
	newClient := func() *Client {
		cfg := DefaultConfig()
		cfg.MinInterval = 0
		cfg.Cooldown = ratelimit.NewTracker(redisClient, ratelimit.Config{Base: time.Hour}, zerolog.Nop())
		c, err := New(cfg)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		return c
	}

	first := newClient()
	resp, _ := first.Fetch(ctx, source.URL()+"/blocked", nil)
	if resp.Status != types.StatusBlocked {
		t.Fatalf("status = %s, want blocked", resp.Status)
	}

	// A fresh client (a new process in practice) sees the persisted cooldown.
	second := newClient()
	_, err := second.Fetch(ctx, source.URL()+"/", nil)
	if !errors.Is(err, ratelimit.ErrCooldownActive) {
		t.Fatalf("Fetch() error = %v, want ErrCooldownActive", err)
	}
	if n := len(source.Requests()); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}

	if err := redisClient.Del(ctx, ratelimit.RedisKeyCooldown).Err(); err != nil {
		t.Fatal(err)
	}
	resp, err = second.Fetch(ctx, source.URL()+"/", nil)
	if err != nil || resp.Status != types.StatusOK {
		t.Errorf("Fetch() after clearing state = %s, %v", resp.Status, err)
	}
}

func TestIntegration_SuccessClearsBlockStreak(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	source := testutil.NewMockSource()
	defer source.Close()

	ctx := context.Background()
	tracker := ratelimit.NewTracker(redisClient, ratelimit.Config{Base: time.Millisecond, Max: time.Millisecond}, zerolog.Nop())
	cfg := DefaultConfig()
	cfg.MinInterval = 0
	cfg.Cooldown = tracker
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	source.QueueResponses("/blocked", testutil.NewBlockedResponse())
	c.Fetch(ctx, source.URL()+"/blocked", nil)
	time.Sleep(10 * time.Millisecond)

	if _, err := c.Fetch(ctx, source.URL()+"/", nil); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	state, err := tracker.GetState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state.Consecutive != 0 || state.LastSuccess.IsZero() {
		t.Errorf("state after success = %+v", state)
	}
}
