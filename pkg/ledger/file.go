package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/profile-harvest/internal/atomicfile"
	"github.com/rs/zerolog"
)

const backendFile = "file"

// DefaultFileName is the ledger file name under the state directory.
const DefaultFileName = "history.json"

// fileDocument is the on-disk format.
type fileDocument struct {
	IDs         []string  `json:"ids"`
	LastUpdated time.Time `json:"last_updated"`
	TotalCount  int       `json:"total_count"`
}

// FileLedger keeps the id set in memory and rewrites a JSON document
// atomically on every commit.
type FileLedger struct {
	path   string
	logger zerolog.Logger

	mu  sync.RWMutex
	ids map[string]struct{}
}

// OpenFile loads (or initializes) a file-backed ledger at path.
// A missing file is an empty ledger; an undecodable file is ErrCorrupt.
func OpenFile(path string, logger zerolog.Logger) (*FileLedger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}

	l := &FileLedger{
		path:   path,
		logger: logger,
		ids:    make(map[string]struct{}),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Info().Str("path", path).Msg("No previous history found (first run)")
	case err != nil:
		return nil, fmt.Errorf("read ledger: %w", err)
	default:
		var doc fileDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
		}
		for _, id := range doc.IDs {
			l.ids[id] = struct{}{}
		}
		logger.Info().Str("path", path).Int("count", len(l.ids)).Msg("Loaded history ledger")
	}

	ledgerSize.WithLabelValues(backendFile).Set(float64(len(l.ids)))
	return l, nil
}

// DefaultPath returns ~/.profile-harvest/history.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".profile-harvest", DefaultFileName), nil
}

// Path returns the backing file.
func (l *FileLedger) Path() string {
	return l.path
}

// Contains implements Ledger.
func (l *FileLedger) Contains(_ context.Context, id string) (bool, error) {
	l.mu.RLock()
	_, ok := l.ids[id]
	l.mu.RUnlock()

	if ok {
		ledgerLookupsTotal.WithLabelValues(backendFile, "hit").Inc()
	} else {
		ledgerLookupsTotal.WithLabelValues(backendFile, "miss").Inc()
	}
	return ok, nil
}

// Commit implements Ledger. On a write failure the id is rolled back out of
// the in-memory set so memory and disk never disagree.
func (l *FileLedger) Commit(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.ids[id]; ok {
		ledgerCommitsTotal.WithLabelValues(backendFile, "existing").Inc()
		return nil
	}

	l.ids[id] = struct{}{}
	if err := l.flushLocked(); err != nil {
		delete(l.ids, id)
		ledgerCommitsTotal.WithLabelValues(backendFile, "error").Inc()
		l.logger.Error().Err(err).Str("candidate_id", id).Msg("Ledger commit failed")
		return fmt.Errorf("%w: %s: %v", ErrCommitFailed, id, err)
	}

	ledgerCommitsTotal.WithLabelValues(backendFile, "added").Inc()
	ledgerSize.WithLabelValues(backendFile).Set(float64(len(l.ids)))
	return nil
}

// Clear implements Ledger. The backing file is removed.
func (l *FileLedger) Clear(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove ledger: %w", err)
	}
	l.ids = make(map[string]struct{})
	ledgerSize.WithLabelValues(backendFile).Set(0)

	l.logger.Warn().Str("path", l.path).Msg("Cleared history ledger")
	return nil
}

// Count implements Ledger.
func (l *FileLedger) Count(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ids), nil
}

func (l *FileLedger) flushLocked() error {
	ids := make([]string, 0, len(l.ids))
	for id := range l.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	data, err := json.MarshalIndent(fileDocument{
		IDs:         ids,
		LastUpdated: time.Now().UTC(),
		TotalCount:  len(ids),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	return atomicfile.Write(l.path, data, 0o600)
}
