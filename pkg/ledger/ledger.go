// Package ledger implements the history ledger: the durable set of record
// identifiers successfully retrieved across all runs. A run consults it to
// avoid re-fetching known records and commits to it after every success.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/profile-harvest/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrCommitFailed indicates an id could not be made durable.
	// The record must be treated as not retrieved.
	ErrCommitFailed = errors.New("ledger commit failed")

	// ErrCorrupt indicates the persisted ledger could not be decoded.
	ErrCorrupt = errors.New("ledger corrupt")
)

var (
	ledgerCommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_ledger_commits_total",
		Help: "Ledger commits by backend and result",
	}, []string{"backend", "result"}) // result: "added", "existing", "error"

	ledgerLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_ledger_lookups_total",
		Help: "Ledger membership lookups by backend and result",
	}, []string{"backend", "result"}) // result: "hit", "miss", "error"

	ledgerSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harvest_ledger_size",
		Help: "Number of identifiers in the ledger",
	}, []string{"backend"})
)

// Ledger is the history ledger contract.
type Ledger interface {
	// Contains reports whether id was previously committed.
	Contains(ctx context.Context, id string) (bool, error)

	// Commit adds id. It is idempotent and durable before it returns.
	Commit(ctx context.Context, id string) error

	// Clear empties the ledger. Only used on explicit operator request.
	Clear(ctx context.Context) error

	// Count returns the number of committed ids.
	Count(ctx context.Context) (int, error)
}

// FilterNew drops candidates already present in the ledger.
// It returns the unseen candidates (order preserved) and the number dropped.
func FilterNew(ctx context.Context, l Ledger, candidates []types.Candidate) ([]types.Candidate, int, error) {
	fresh := make([]types.Candidate, 0, len(candidates))
	duplicates := 0

	for _, c := range candidates {
		seen, err := l.Contains(ctx, c.ID)
		if err != nil {
			return nil, 0, fmt.Errorf("ledger lookup %s: %w", c.ID, err)
		}
		if seen {
			duplicates++
			continue
		}
		fresh = append(fresh, c)
	}

	return fresh, duplicates, nil
}
