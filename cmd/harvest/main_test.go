package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/profile-harvest/internal/testutil"
	"github.com/Sternrassler/profile-harvest/pkg/query"
	"github.com/Sternrassler/profile-harvest/pkg/ratelimit"
	"github.com/Sternrassler/profile-harvest/pkg/scheduler"
	"github.com/Sternrassler/profile-harvest/pkg/types"
	"github.com/redis/go-redis/v9"
)

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := httptest.NewServer(newMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("Expected default collectors in metrics output")
	}
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		file    string
		check   func(t *testing.T, cfg *Config)
		wantErr string
	}{
		{
			name: "defaults",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Backend != backendFile || cfg.Redis.Prefix != "harvest" {
					t.Errorf("unexpected defaults: %+v", cfg)
				}
				if cfg.Source.MinInterval != 2*time.Second || cfg.Source.MaxPages != 100 {
					t.Errorf("unexpected source defaults: %+v", cfg.Source)
				}
				prof, err := cfg.Pacing.Profile()
				if err != nil || prof.BatchSize.Min != 5 {
					t.Errorf("Profile() = %+v, %v; want balanced", prof, err)
				}
			},
		},
		{
			name: "environment",
			env: map[string]string{
				"HARVEST_BACKEND":        "redis",
				"HARVEST_REDIS_ADDR":     "redis.test:6380",
				"HARVEST_PACING_PRESET":  "aggressive",
				"HARVEST_SOURCE_TIMEOUT": "5s",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Backend != backendRedis || cfg.Redis.Addr != "redis.test:6380" {
					t.Errorf("env not applied: %+v", cfg)
				}
				if cfg.Source.Timeout != 5*time.Second {
					t.Errorf("timeout = %v", cfg.Source.Timeout)
				}
				prof, _ := cfg.Pacing.Profile()
				if prof.BatchSize.Min != 10 {
					t.Errorf("preset not applied: %+v", prof)
				}
			},
		},
		{
			name: "file overrides ranges",
			file: `
pacing:
  preset: conservative
  item_delay:
    min: 1s
    max: 2s
`,
			check: func(t *testing.T, cfg *Config) {
				prof, err := cfg.Pacing.Profile()
				if err != nil {
					t.Fatal(err)
				}
				if prof.ItemDelay.Min != time.Second || prof.ItemDelay.Max != 2*time.Second {
					t.Errorf("item delay override = %+v", prof.ItemDelay)
				}
				if prof.BatchSize.Max != 6 {
					t.Errorf("preset ranges lost: %+v", prof.BatchSize)
				}
			},
		},
		{
			name:    "unknown backend",
			env:     map[string]string{"HARVEST_BACKEND": "sqlite"},
			wantErr: "unknown backend",
		},
		{
			name:    "unknown preset",
			env:     map[string]string{"HARVEST_PACING_PRESET": "reckless"},
			wantErr: "unknown pacing preset",
		},
		{
			name:    "bad log level",
			env:     map[string]string{"HARVEST_LOG_LEVEL": "loud"},
			wantErr: "unknown log level",
		},
		{
			name:    "inverted range",
			file:    "pacing:\n  batch_size:\n    min: 5\n    max: 2\n",
			wantErr: "batch_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			configFile := ""
			if tt.file != "" {
				configFile = filepath.Join(t.TempDir(), "harvest.yaml")
				if err := os.WriteFile(configFile, []byte(tt.file), 0o644); err != nil {
					t.Fatal(err)
				}
			}

			cfg, err := loadConfig(newViper(), configFile)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("loadConfig() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("loadConfig() error = %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{errors.New("boom"), exitError},
		{fmt.Errorf("%w: context canceled", scheduler.ErrCancelled), exitCancelled},
		{fmt.Errorf("walk: %w", scheduler.ErrBlocked), exitBlocked},
		{fmt.Errorf("%w: 29m remaining", ratelimit.ErrCooldownActive), exitBlocked},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWriteRecords(t *testing.T) {
	var buf bytes.Buffer
	records := []types.FetchRecord{
		{ID: "a", Target: "https://src.test/profile/a", Payload: []byte("<html>"), Fields: map[string]string{"name": "Ann"}},
		{ID: "b", Target: "https://src.test/profile/b"},
	}
	if err := writeRecords(&buf, records); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if strings.Contains(lines[0], "<html>") {
		t.Error("payload should not be written")
	}
	var got types.FetchRecord
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil || got.Fields["name"] != "Ann" {
		t.Errorf("line 0 = %s (%v)", lines[0], err)
	}
}

// cliEnv is a mock directory plus a config file pointing the CLI at it with
// all pauses disabled.
type cliEnv struct {
	source  *testutil.MockSource
	dataDir string
	config  string
}

func newCLIEnv(t *testing.T, profiles int) *cliEnv {
	t.Helper()
	source := testutil.NewMockSource()
	t.Cleanup(source.Close)

	all := testutil.MakeProfiles("sd", profiles)
	var pages [][]testutil.Profile
	for len(all) > 0 {
		n := 4
		if n > len(all) {
			n = len(all)
		}
		pages = append(pages, all[:n])
		all = all[n:]
	}
	source.SetPages("san-diego-ca", pages)

	dir := t.TempDir()
	env := &cliEnv{source: source, dataDir: filepath.Join(dir, "state"), config: filepath.Join(dir, "harvest.yaml")}
	cfg := fmt.Sprintf(`
backend: file
data_dir: %s
log:
  level: error
source:
  search_base: %s
  home: %s/
  min_interval: 0s
  page_pause:
    min: 0s
    max: 0s
pacing:
  batch_size:
    min: 2
    max: 3
  item_delay:
    min: 0s
    max: 0s
  batch_break:
    min: 0s
    max: 0s
retry:
  max_attempts: 1
cooldown:
  base: 1h
`, env.dataDir, source.SearchBase(), source.URL())
	if err := os.WriteFile(env.config, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return env
}

func (e *cliEnv) execute(args ...string) (string, string, error) {
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append(args, "--config", e.config))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func decodeRecords(t *testing.T, out string) []types.FetchRecord {
	t.Helper()
	var recs []types.FetchRecord
	dec := json.NewDecoder(strings.NewReader(out))
	for dec.More() {
		var r types.FetchRecord
		if err := dec.Decode(&r); err != nil {
			t.Fatalf("decode output: %v", err)
		}
		recs = append(recs, r)
	}
	return recs
}

func TestRunCommand_EndToEnd(t *testing.T) {
	env := newCLIEnv(t, 6)

	out, stderr, err := env.execute("run", "--location", "San Diego, CA", "--limit", "4")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, stderr)
	}
	first := decodeRecords(t, out)
	if len(first) != 4 {
		t.Fatalf("first run returned %d records, want 4", len(first))
	}
	for _, r := range first {
		if !strings.HasPrefix(r.ID, "sd-") || r.Fields["name"] == "" || r.Fields["phone"] == "" {
			t.Errorf("incomplete record: %+v", r)
		}
	}
	if !strings.Contains(stderr, "completed:") {
		t.Errorf("summary not printed:\n%s", stderr)
	}

	out, _, err = env.execute("history", "count")
	if err != nil || strings.TrimSpace(out) != "4" {
		t.Fatalf("history count = %q, %v", out, err)
	}

	out, stderr, err = env.execute("run", "--location", "san diego ca", "--limit", "10")
	if err != nil {
		t.Fatalf("second run: %v\n%s", err, stderr)
	}
	second := decodeRecords(t, out)
	if len(second) != 2 {
		t.Fatalf("second run returned %d records, want the 2 unseen", len(second))
	}
	seen := map[string]bool{}
	for _, r := range append(first, second...) {
		if seen[r.ID] {
			t.Errorf("profile %s fetched twice", r.ID)
		}
		seen[r.ID] = true
	}

	out, _, err = env.execute("checkpoint", "list")
	if err != nil || strings.TrimSpace(out) != "" {
		t.Errorf("checkpoint list after completed runs = %q, %v", out, err)
	}

	if _, _, err := env.execute("history", "clear"); err == nil {
		t.Error("history clear without --yes should fail")
	}
	if _, _, err := env.execute("history", "clear", "--yes"); err != nil {
		t.Fatal(err)
	}
	out, _, _ = env.execute("history", "count")
	if strings.TrimSpace(out) != "0" {
		t.Errorf("history count after clear = %q", out)
	}
}

func TestRunCommand_OutputFile(t *testing.T) {
	env := newCLIEnv(t, 3)
	path := filepath.Join(t.TempDir(), "out.jsonl")

	out, stderr, err := env.execute("run", "-l", "San Diego, CA", "-n", "2", "-o", path)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, stderr)
	}
	if out != "" {
		t.Errorf("stdout should be empty with --output, got %q", out)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(decodeRecords(t, string(data))); n != 2 {
		t.Errorf("output file has %d records, want 2", n)
	}
}

func TestRunCommand_BlockStartsCooldown(t *testing.T) {
	env := newCLIEnv(t, 3)
	env.source.QueueResponses("/agents/san-diego-ca/", testutil.NewBlockedResponse())

	_, _, err := env.execute("run", "--location", "San Diego, CA", "--limit", "2")
	if !errors.Is(err, scheduler.ErrBlocked) {
		t.Fatalf("run error = %v, want ErrBlocked", err)
	}
	if exitCode(err) != exitBlocked {
		t.Errorf("exitCode = %d, want %d", exitCode(err), exitBlocked)
	}

	out, _, err := env.execute("cooldown", "status")
	if err != nil || !strings.Contains(out, "Cooldown active") {
		t.Fatalf("cooldown status = %q, %v", out, err)
	}

	requests := len(env.source.Requests())
	_, _, err = env.execute("run", "--location", "San Diego, CA", "--limit", "2")
	if !errors.Is(err, ratelimit.ErrCooldownActive) {
		t.Fatalf("run during cooldown = %v, want ErrCooldownActive", err)
	}
	if len(env.source.Requests()) != requests {
		t.Error("a refused run must not send requests")
	}

	if _, _, err := env.execute("cooldown", "reset"); err != nil {
		t.Fatal(err)
	}
	out, stderr, err := env.execute("run", "--location", "San Diego, CA", "--limit", "2")
	if err != nil {
		t.Fatalf("run after reset: %v\n%s", err, stderr)
	}
	if n := len(decodeRecords(t, out)); n != 2 {
		t.Errorf("run after reset returned %d records", n)
	}
}

func TestCheckpointCommands(t *testing.T) {
	env := newCLIEnv(t, 6)
	for _, p := range testutil.MakeProfiles("sd", 6) {
		env.source.QueueResponses(testutil.ProfilePath(p.ID), testutil.NewBlockedResponse())
	}

	if _, _, err := env.execute("checkpoint", "show", "--location", "San Diego, CA"); err == nil {
		t.Fatal("checkpoint show before any run should fail")
	}

	_, _, err := env.execute("run", "--location", "San Diego, CA", "--limit", "3")
	if !errors.Is(err, scheduler.ErrBlocked) {
		t.Fatalf("run error = %v, want ErrBlocked", err)
	}

	out, _, err := env.execute("checkpoint", "list")
	if err != nil {
		t.Fatal(err)
	}
	fields := strings.Fields(out)
	if len(fields) == 0 || !strings.Contains(out, "completed=0/3") {
		t.Fatalf("checkpoint list = %q", out)
	}
	sig := fields[0]

	out, _, err = env.execute("checkpoint", "show", sig)
	if err != nil {
		t.Fatalf("checkpoint show: %v", err)
	}
	var st struct {
		Signature string            `json:"signature"`
		Limit     int               `json:"limit"`
		Remaining []types.Candidate `json:"remaining"`
	}
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode checkpoint: %v\n%s", err, out)
	}
	if st.Signature != sig || st.Limit != 3 || len(st.Remaining) != 4 {
		t.Errorf("checkpoint = %+v", st)
	}

	if _, _, err := env.execute("checkpoint", "delete", "--location", "san diego, ca"); err != nil {
		t.Fatalf("checkpoint delete: %v", err)
	}
	out, _, _ = env.execute("checkpoint", "list")
	if strings.TrimSpace(out) != "" {
		t.Errorf("checkpoint list after delete = %q", out)
	}

	if _, _, err := env.execute("checkpoint", "show"); err == nil {
		t.Error("checkpoint show without signature or location should fail")
	}
}

func TestCacheClearCommand(t *testing.T) {
	probe := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	defer probe.Close()
	if err := probe.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Setenv("HARVEST_REDIS_ADDR", "localhost:6379")
	t.Setenv("HARVEST_REDIS_DB", "15")

	env := newCLIEnv(t, 6)
	sig := query.Query{Location: "San Diego, CA"}.Signature()
	t.Cleanup(func() {
		env.execute("cache", "clear", sig)
	})

	if _, stderr, err := env.execute("run", "-l", "San Diego, CA", "-n", "6", "--cache"); err != nil {
		t.Fatalf("run error = %v\n%s", err, stderr)
	}

	out, _, err := env.execute("cache", "clear", "--location", "San Diego, CA")
	if err != nil {
		t.Fatalf("cache clear error = %v", err)
	}
	if !strings.Contains(out, "Cleared 2 cached pages") {
		t.Errorf("cache clear output = %q", out)
	}

	out, _, _ = env.execute("cache", "clear", sig)
	if !strings.Contains(out, "Cleared 0 cached pages") {
		t.Errorf("second clear output = %q", out)
	}
}
