package scheduler

import (
	"time"

	"github.com/Sternrassler/profile-harvest/pkg/types"
)

// Stage names a progress event.
type Stage string

const (
	StageRunStarted   Stage = "run_started"
	StageBatchPlanned Stage = "batch_planned"
	StageItemFetched  Stage = "item_fetched"
	StageItemSkipped  Stage = "item_skipped"
	StageItemPause    Stage = "item_pause"
	StageBatchBreak   Stage = "batch_break"
	StageFinished     Stage = "finished"
)

// Event is a progress notification. Fields not relevant to a stage are zero.
type Event struct {
	Stage     Stage
	RunID     string
	State     State
	Batch     int
	BatchSize int
	Candidate types.Candidate
	Delay     time.Duration
	Completed int
	Limit     int
	Remaining int
	Err       error
}

// Observer receives progress events synchronously on the scheduler goroutine.
// It must not block.
type Observer func(Event)
