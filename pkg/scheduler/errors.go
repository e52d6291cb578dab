package scheduler

import "errors"

var (
	// ErrBlocked indicates the source refused service. The checkpoint is kept
	// with the refused item at the front so a later resume re-attempts it.
	ErrBlocked = errors.New("source blocked the session")

	// ErrPersistence indicates a ledger or checkpoint write failed. Durable and
	// in-memory state may only diverge towards re-fetching, never towards loss.
	ErrPersistence = errors.New("persistence failure")

	// ErrCheckpointMismatch indicates a checkpoint exists for the query but was
	// produced with a different limit or dedup flag.
	ErrCheckpointMismatch = errors.New("checkpoint parameters differ from request")

	// ErrInvalidConfig indicates a rejected configuration or request.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrCancelled indicates the run stopped on an external signal.
	ErrCancelled = errors.New("run cancelled")
)
