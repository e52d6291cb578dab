package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Sternrassler/profile-harvest/internal/atomicfile"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const backendFile = "file"

// FileStore keeps one JSON file per signature under a directory.
type FileStore struct {
	dir    string
	logger zerolog.Logger
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) path(signature string) string {
	return filepath.Join(s.dir, signature+".json")
}

func (s *FileStore) lockPath(signature string) string {
	return filepath.Join(s.dir, signature+".lock")
}

// Save implements Store.
func (s *FileStore) Save(_ context.Context, signature string, state *State) error {
	if state == nil {
		return fmt.Errorf("checkpoint state cannot be nil")
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		checkpointOpsTotal.WithLabelValues(backendFile, "save", "error").Inc()
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	if err := atomicfile.Write(s.path(signature), data, 0o600); err != nil {
		checkpointOpsTotal.WithLabelValues(backendFile, "save", "error").Inc()
		return fmt.Errorf("write checkpoint: %w", err)
	}

	checkpointOpsTotal.WithLabelValues(backendFile, "save", "ok").Inc()
	s.logger.Debug().
		Str("signature", signature).
		Int("remaining", len(state.Remaining)).
		Int("completed", state.Completed).
		Msg("Checkpoint saved")
	return nil
}

// Load implements Store.
func (s *FileStore) Load(_ context.Context, signature string) (*State, error) {
	data, err := os.ReadFile(s.path(signature))
	if errors.Is(err, os.ErrNotExist) {
		checkpointOpsTotal.WithLabelValues(backendFile, "load", "miss").Inc()
		return nil, nil
	}
	if err != nil {
		checkpointOpsTotal.WithLabelValues(backendFile, "load", "error").Inc()
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		checkpointOpsTotal.WithLabelValues(backendFile, "load", "error").Inc()
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, signature, err)
	}
	if state.Signature != signature {
		checkpointOpsTotal.WithLabelValues(backendFile, "load", "error").Inc()
		return nil, fmt.Errorf("%w: signature mismatch (file %s, state %s)", ErrCorrupt, signature, state.Signature)
	}

	checkpointOpsTotal.WithLabelValues(backendFile, "load", "hit").Inc()
	return &state, nil
}

// Delete implements Store.
func (s *FileStore) Delete(_ context.Context, signature string) error {
	if err := os.Remove(s.path(signature)); err != nil && !errors.Is(err, os.ErrNotExist) {
		checkpointOpsTotal.WithLabelValues(backendFile, "delete", "error").Inc()
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	checkpointOpsTotal.WithLabelValues(backendFile, "delete", "ok").Inc()
	return nil
}

// Lock implements Store with a non-blocking exclusive flock(2) on a
// per-signature lock file. The lock dies with the process.
func (s *FileStore) Lock(_ context.Context, signature string) (Unlock, error) {
	f, err := os.OpenFile(s.lockPath(signature), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrRunInProgress, signature)
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	return func() error {
		defer f.Close()
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			return fmt.Errorf("unlock: %w", err)
		}
		return nil
	}, nil
}

// List returns the signatures that have a checkpoint, sorted.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}

	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(out)
	return out, nil
}
