package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/profile-harvest/pkg/checkpoint"
	"github.com/Sternrassler/profile-harvest/pkg/identity"
	"github.com/Sternrassler/profile-harvest/pkg/logging"
	"github.com/Sternrassler/profile-harvest/pkg/pagination"
	"github.com/Sternrassler/profile-harvest/pkg/query"
	"github.com/Sternrassler/profile-harvest/pkg/retry"
	"github.com/Sternrassler/profile-harvest/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// outcome is the result of one item attempt.
type outcome int

const (
	outcomeFetched outcome = iota
	outcomeSkipped
	outcomeDuplicate
	outcomeBlocked
	outcomeCancelled
	outcomeFailed
)

// errItemGone marks an item whose target no longer exists.
var errItemGone = errors.New("target no longer exists")

// run is the state of one Run invocation. It is owned by a single goroutine.
type run struct {
	s        *Scheduler
	query    query.Query
	limit    int
	dedup    bool
	identity *identity.Session
	state    State
	cp       *checkpoint.State
	resumed  bool
	records  []types.FetchRecord
	skipped  []types.Candidate
	started  time.Time
	logger   zerolog.Logger
}

func (r *run) execute(ctx context.Context, signature string) (Result, error) {
	if err := r.prepare(ctx, signature); err != nil {
		if ctx.Err() != nil {
			return r.cancel(ctx)
		}
		return r.fail(ctx, err, false)
	}

	r.emit(Event{Stage: StageRunStarted, Remaining: len(r.cp.Remaining)})

	for {
		if r.cp.Completed >= r.limit {
			return r.finish(ctx)
		}
		if ctx.Err() != nil {
			return r.cancel(ctx)
		}

		if r.cp.Batch.Pending() == 0 {
			r.cp.Batch = nil
			if len(r.cp.Remaining) == 0 {
				return r.finish(ctx)
			}
			if err := r.planBatch(ctx); err != nil {
				return r.fail(ctx, err, false)
			}
		}

		res, err := r.runBatch(ctx)
		switch res {
		case outcomeCancelled:
			return r.cancel(ctx)
		case outcomeBlocked, outcomeFailed:
			return r.fail(ctx, err, res == outcomeBlocked)
		}

		if r.cp.Completed >= r.limit || len(r.cp.Remaining) == 0 {
			r.cp.Batch = nil
			return r.finish(ctx)
		}

		r.transition(StateBatchBreak)
		pause := r.cp.Batch.Break
		r.emit(Event{Stage: StageBatchBreak, Batch: r.cp.Batch.Number, Delay: pause})
		r.logger.Info().
			Int(logging.FieldBatch, r.cp.Batch.Number).
			Dur(logging.FieldBreak, pause).
			Int("completed", r.cp.Completed).
			Int("remaining", len(r.cp.Remaining)).
			Msg("Batch complete, taking a break")
		sleepSeconds.WithLabelValues("break").Observe(pause.Seconds())
		if err := r.s.sleeper.Sleep(ctx, pause); err != nil {
			return r.cancel(ctx)
		}

		r.cp.Batch = nil
		if err := r.save(ctx); err != nil {
			return r.fail(ctx, err, false)
		}
	}
}

// prepare loads the checkpoint for signature or builds a fresh queue.
func (r *run) prepare(ctx context.Context, signature string) error {
	existing, err := r.s.checkpoints.Load(ctx, signature)
	if err != nil {
		return fmt.Errorf("%w: load checkpoint: %w", ErrPersistence, err)
	}

	if existing != nil {
		if existing.Limit != r.limit || existing.Dedup != r.dedup {
			return fmt.Errorf("%w: checkpoint has limit=%d dedup=%v, request has limit=%d dedup=%v",
				ErrCheckpointMismatch, existing.Limit, existing.Dedup, r.limit, r.dedup)
		}
		r.cp = existing
		r.resumed = true
		r.logger = r.logger.With().Str(logging.FieldRunID, existing.RunID).Logger()
		r.logger.Info().
			Int("remaining", len(existing.Remaining)).
			Int("completed", existing.Completed).
			Int("pending_in_batch", existing.Batch.Pending()).
			Msg("Resuming run from checkpoint")
		return nil
	}

	runID := uuid.NewString()
	r.logger = r.logger.With().Str(logging.FieldRunID, runID).Logger()

	walk, err := r.s.source.Walk(ctx, pagination.Request{
		Query:    r.query,
		Limit:    r.limit,
		Dedup:    r.dedup,
		Identity: r.identity,
	})
	if err != nil {
		// The walk may fail with a partially built queue; none of it is
		// persisted so the next run rediscovers it.
		r.cp = &checkpoint.State{Signature: signature, RunID: runID, Limit: r.limit, Dedup: r.dedup,
			Duplicates: walk.Duplicates, Requested: walk.Requested, Found: walk.Found}
		if errors.Is(err, pagination.ErrBlocked) {
			return fmt.Errorf("%w: %w", ErrBlocked, err)
		}
		return fmt.Errorf("discover candidates: %w", err)
	}

	now := r.s.now().UTC()
	r.cp = &checkpoint.State{
		Signature:  signature,
		RunID:      runID,
		Limit:      r.limit,
		Dedup:      r.dedup,
		Remaining:  walk.Candidates,
		Duplicates: walk.Duplicates,
		Requested:  walk.Requested,
		Found:      walk.Found,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if walk.Short() {
		r.logger.Warn().
			Int("requested", walk.Requested).
			Int("found", walk.Found).
			Msg("Fewer candidates than requested")
	}

	if len(r.cp.Remaining) == 0 {
		return nil
	}
	return r.save(ctx)
}

// planBatch samples a plan and shuffles the front slice of the queue in place.
func (r *run) planBatch(ctx context.Context) error {
	r.transition(StatePlanning)
	p := r.s.cfg.Pacing

	size := p.BatchSize.Sample(r.s.rng)
	taken := size
	if taken > len(r.cp.Remaining) {
		taken = len(r.cp.Remaining)
	}

	slice := r.cp.Remaining[:taken]
	r.s.rng.Shuffle(len(slice), func(i, j int) { slice[i], slice[j] = slice[j], slice[i] })

	delays := make([]time.Duration, taken)
	for i := range delays {
		delays[i] = p.ItemDelay.Sample(r.s.rng)
	}

	r.cp.Batches++
	r.cp.Batch = &checkpoint.BatchCursor{
		Number:     r.cp.Batches,
		Size:       size,
		Taken:      taken,
		ItemDelays: delays,
		Break:      p.BatchBreak.Sample(r.s.rng),
	}

	batchesTotal.Inc()
	batchSize.Observe(float64(size))
	r.logger.Info().
		Int(logging.FieldBatch, r.cp.Batch.Number).
		Int("size", size).
		Int("taken", taken).
		Dur(logging.FieldBreak, r.cp.Batch.Break).
		Msg("Batch planned")
	r.emit(Event{Stage: StageBatchPlanned, Batch: r.cp.Batch.Number, BatchSize: size})

	return r.save(ctx)
}

// runBatch attempts the pending items of the current batch in order.
func (r *run) runBatch(ctx context.Context) (outcome, error) {
	b := r.cp.Batch
	for b.Pending() > 0 && len(r.cp.Remaining) > 0 {
		if r.cp.Completed >= r.limit {
			return outcomeFetched, nil
		}
		if ctx.Err() != nil {
			return outcomeCancelled, ctx.Err()
		}

		r.transition(StateFetching)
		item := r.cp.Remaining[0]
		res, err := r.attempt(ctx, item)

		switch res {
		case outcomeCancelled, outcomeBlocked, outcomeFailed:
			return res, err
		}

		r.cp.Remaining = r.cp.Remaining[1:]
		b.Attempted++
		if err := r.save(ctx); err != nil {
			return outcomeFailed, err
		}

		if res == outcomeDuplicate || b.Pending() == 0 || r.cp.Completed >= r.limit {
			continue
		}

		r.transition(StateItemPause)
		delay := r.s.cfg.Pacing.ItemDelay.Sample(r.s.rng)
		if i := b.Attempted - 1; i < len(b.ItemDelays) {
			delay = b.ItemDelays[i]
		}
		r.emit(Event{Stage: StageItemPause, Batch: b.Number, Delay: delay})
		sleepSeconds.WithLabelValues("item").Observe(delay.Seconds())
		if err := r.s.sleeper.Sleep(ctx, delay); err != nil {
			return outcomeCancelled, err
		}
	}
	return outcomeFetched, nil
}

// attempt fetches one item and applies its outcome to the counters. The
// queue itself is advanced by the caller.
func (r *run) attempt(ctx context.Context, item types.Candidate) (outcome, error) {
	logger := r.logger.With().Str(logging.FieldCandidateID, item.ID).Str(logging.FieldTarget, item.Target).Logger()

	if r.dedup {
		// A crash between ledger commit and checkpoint save leaves a
		// committed item at the front of the queue.
		seen, err := r.s.ledger.Contains(ctx, item.ID)
		if err != nil {
			return outcomeFailed, fmt.Errorf("%w: ledger lookup %s: %w", ErrPersistence, item.ID, err)
		}
		if seen {
			r.cp.Duplicates++
			itemsTotal.WithLabelValues("duplicate").Inc()
			logger.Debug().Msg("Already in ledger, dropping")
			return outcomeDuplicate, nil
		}
	}

	rec, err := r.fetch(ctx, item)
	switch {
	case err == nil:
	case errors.Is(err, ErrBlocked):
		itemsTotal.WithLabelValues("blocked").Inc()
		logger.Error().Err(err).Msg("Source blocked the session")
		return outcomeBlocked, err
	case errors.Is(err, retry.ErrContextCancelled):
		return outcomeCancelled, err
	default:
		r.cp.Skipped++
		r.skipped = append(r.skipped, item)
		itemsTotal.WithLabelValues("skipped").Inc()
		logger.Warn().Err(err).Msg("Item skipped")
		r.emit(Event{Stage: StageItemSkipped, Batch: r.cp.Batch.Number, Candidate: item, Err: err})
		return outcomeSkipped, nil
	}

	// The fetch has already happened; the commit must complete even if the
	// caller is cancelling.
	if err := r.s.ledger.Commit(context.WithoutCancel(ctx), item.ID); err != nil {
		logger.Error().Err(err).Msg("Ledger commit failed, item stays queued")
		return outcomeFailed, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	r.records = append(r.records, rec)
	r.cp.Completed++
	itemsTotal.WithLabelValues("fetched").Inc()
	logger.Info().
		Int(logging.FieldBatch, r.cp.Batch.Number).
		Int("completed", r.cp.Completed).
		Int("limit", r.limit).
		Msg("Item fetched")
	r.emit(Event{Stage: StageItemFetched, Batch: r.cp.Batch.Number, Candidate: item})
	return outcomeFetched, nil
}

// fetch issues the request with bounded retries. A fetch in flight is never
// interrupted; cancellation only cuts short the backoff between attempts.
func (r *run) fetch(ctx context.Context, item types.Candidate) (types.FetchRecord, error) {
	fetchCtx := context.WithoutCancel(ctx)
	var rec types.FetchRecord

	err := retry.Do(ctx, r.s.sleeper, r.s.cfg.ItemRetry, "fetch_item", func(attempt int) error {
		resp, err := r.s.transport.Fetch(fetchCtx, item.Target, r.identity.Headers(item.Target))
		r.identity.Visit(item.Target)

		switch resp.Status {
		case types.StatusBlocked:
			return retry.Permanent(fmt.Errorf("%w: %s (HTTP %d)", ErrBlocked, item.Target, resp.StatusCode))
		case types.StatusExhausted:
			return retry.Permanent(fmt.Errorf("%w: %s (HTTP %d)", errItemGone, item.Target, resp.StatusCode))
		case types.StatusOK:
			if err != nil {
				return retry.Classify(err)
			}
			parsed, perr := r.s.parser(item, resp.Payload)
			if perr != nil {
				return retry.Permanent(fmt.Errorf("parse %s: %w", item.ID, perr))
			}
			rec = parsed
			return nil
		}

		if err == nil {
			err = fmt.Errorf("status %s (HTTP %d)", resp.Status, resp.StatusCode)
		}
		r.logger.Debug().Err(err).Str(logging.FieldCandidateID, item.ID).Int(logging.FieldAttempt, attempt).Msg("Item fetch failed")
		return retry.Classify(err)
	})
	if err != nil {
		return types.FetchRecord{}, err
	}

	if rec.ID == "" {
		rec.ID = item.ID
	}
	if rec.Target == "" {
		rec.Target = item.Target
	}
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = r.s.now().UTC()
	}
	return rec, nil
}

func (r *run) save(ctx context.Context) error {
	r.cp.UpdatedAt = r.s.now().UTC()
	if r.cp.CreatedAt.IsZero() {
		r.cp.CreatedAt = r.cp.UpdatedAt
	}
	if err := r.s.checkpoints.Save(context.WithoutCancel(ctx), r.cp.Signature, r.cp); err != nil {
		return fmt.Errorf("%w: save checkpoint: %w", ErrPersistence, err)
	}
	return nil
}

func (r *run) finish(ctx context.Context) (Result, error) {
	r.transition(StateDone)
	if err := r.s.checkpoints.Delete(context.WithoutCancel(ctx), r.cp.Signature); err != nil {
		// The run is complete; a stale checkpoint only costs a no-op resume.
		r.logger.Warn().Err(err).Msg("Failed to delete checkpoint")
	}
	return r.result(nil)
}

func (r *run) cancel(ctx context.Context) (Result, error) {
	r.transition(StateCancelled)
	cause := ctx.Err()
	if r.cp == nil {
		r.cp = r.emptyState()
	} else if len(r.cp.Remaining) > 0 || r.cp.Completed > 0 {
		if err := r.save(ctx); err != nil {
			r.logger.Error().Err(err).Msg("Failed to flush checkpoint on cancel")
		}
	}
	return r.result(fmt.Errorf("%w: %v", ErrCancelled, cause))
}

// fail ends the run in FAILED. The checkpoint is flushed when it still
// matches durable state so a later resume continues from the failing item.
func (r *run) fail(ctx context.Context, err error, flush bool) (Result, error) {
	r.transition(StateFailed)
	if flush && r.cp != nil {
		if serr := r.save(ctx); serr != nil {
			r.logger.Error().Err(serr).Msg("Failed to flush checkpoint")
		}
	}
	if r.cp == nil {
		r.cp = r.emptyState()
	}
	return r.result(err)
}

// emptyState stands in for a checkpoint when a run ends before it had one.
func (r *run) emptyState() *checkpoint.State {
	return &checkpoint.State{Signature: r.query.Signature(), Limit: r.limit, Dedup: r.dedup, Requested: r.limit}
}

func (r *run) result(err error) (Result, error) {
	runsTotal.WithLabelValues(string(r.state)).Inc()

	sum := Summary{
		RunID:      r.cp.RunID,
		Signature:  r.cp.Signature,
		State:      r.state,
		Fetched:    len(r.records),
		Completed:  r.cp.Completed,
		Skipped:    r.cp.Skipped,
		Duplicates: r.cp.Duplicates,
		Remaining:  len(r.cp.Remaining),
		Requested:  r.cp.Requested,
		Found:      r.cp.Found,
		Batches:    r.cp.Batches,
		Resumed:    r.resumed,
		Started:    r.started,
		Finished:   r.s.now(),
	}

	event := r.logger.Info()
	if err != nil {
		event = r.logger.Warn().Err(err)
	}
	event.
		Str(logging.FieldState, string(sum.State)).
		Int("fetched", sum.Fetched).
		Int("completed", sum.Completed).
		Int("skipped", sum.Skipped).
		Int("duplicates", sum.Duplicates).
		Int("remaining", sum.Remaining).
		Dur("duration", sum.Finished.Sub(sum.Started)).
		Msg("Run finished")
	r.emit(Event{Stage: StageFinished, Remaining: sum.Remaining, Err: err})

	return Result{Records: r.records, Skipped: r.skipped, Summary: sum}, err
}

func (r *run) transition(to State) {
	if r.state == to {
		return
	}
	if !CanTransition(r.state, to) {
		r.logger.Error().Str("from", string(r.state)).Str("to", string(to)).Msg("Illegal state transition")
	}
	schedulerState.WithLabelValues(string(r.state)).Set(0)
	schedulerState.WithLabelValues(string(to)).Set(1)
	r.logger.Debug().Str("from", string(r.state)).Str(logging.FieldState, string(to)).Msg("Transition")
	r.state = to
}

func (r *run) emit(e Event) {
	if r.s.observer == nil {
		return
	}
	if r.cp != nil {
		e.RunID = r.cp.RunID
		e.Completed = r.cp.Completed
		if e.Remaining == 0 {
			e.Remaining = len(r.cp.Remaining)
		}
	}
	e.State = r.state
	e.Limit = r.limit
	r.s.observer(e)
}
