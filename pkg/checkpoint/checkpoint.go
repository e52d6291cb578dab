// Package checkpoint persists in-progress run state so an interrupted run
// resumes with no duplicate fetches and no skipped candidates.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/Sternrassler/profile-harvest/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrRunInProgress is returned by Lock when another run holds the signature.
	ErrRunInProgress = errors.New("run already in progress")

	// ErrCorrupt is returned by Load when a stored checkpoint cannot be decoded.
	ErrCorrupt = errors.New("checkpoint corrupt")
)

var checkpointOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "harvest_checkpoint_operations_total",
	Help: "Checkpoint store operations by backend, operation and result",
}, []string{"backend", "operation", "result"})

var lockLostTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "harvest_checkpoint_lock_lost_total",
	Help: "Run locks found expired or taken over while still held",
})

// BatchCursor captures the plan of the in-flight batch. The first
// Pending() entries of State.Remaining are that batch's not-yet-attempted
// items, already in their shuffled fetch order.
type BatchCursor struct {
	// Number is the 1-based batch number within the run.
	Number int `json:"number"`

	// Size is the sampled batch size (may exceed Taken near the queue end).
	Size int `json:"size"`

	// Taken is the number of candidates actually taken into the batch.
	Taken int `json:"taken"`

	// Attempted counts items already fetched or skipped in this batch.
	Attempted int `json:"attempted"`

	// ItemDelays holds the sampled pause after each item, indexed by position.
	ItemDelays []time.Duration `json:"item_delays"`

	// Break is the sampled pause after the batch.
	Break time.Duration `json:"break"`
}

// Pending returns how many items of the batch are still to be attempted.
func (c *BatchCursor) Pending() int {
	if c == nil {
		return 0
	}
	if n := c.Taken - c.Attempted; n > 0 {
		return n
	}
	return 0
}

// State is the durable snapshot of one run.
type State struct {
	Signature string `json:"signature"`
	RunID     string `json:"run_id"`

	// Limit and Dedup are the parameters the run was started with.
	Limit int  `json:"limit"`
	Dedup bool `json:"dedup"`

	// Remaining is the ordered queue of candidates not yet attempted.
	Remaining []types.Candidate `json:"remaining"`

	// Counters are cumulative across resumes of the same run.
	Completed  int `json:"completed"`
	Skipped    int `json:"skipped"`
	Duplicates int `json:"duplicates"`
	Requested  int `json:"requested"`
	Found      int `json:"found"`
	Batches    int `json:"batches"`

	// Batch is the in-flight batch, nil between batches.
	Batch *BatchCursor `json:"batch,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Unlock releases a run lock.
type Unlock func() error

// Store is the checkpoint store contract.
type Store interface {
	// Save atomically replaces the checkpoint for signature.
	Save(ctx context.Context, signature string, state *State) error

	// Load returns the checkpoint for signature, or nil when none exists.
	Load(ctx context.Context, signature string) (*State, error)

	// Delete removes the checkpoint for signature. Missing is not an error.
	Delete(ctx context.Context, signature string) error

	// Lock takes the exclusive run lock for signature or fails fast with
	// ErrRunInProgress.
	Lock(ctx context.Context, signature string) (Unlock, error)
}

// Lister is implemented by stores that can enumerate their checkpoints.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}
