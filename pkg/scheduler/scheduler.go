// Package scheduler implements the adaptive batched fetch scheduler.
//
// A run takes the candidate queue for a query (from a checkpoint or a fresh
// pagination walk), cuts it into randomly sized batches taken from the front,
// shuffles each batch, and fetches one item at a time with randomized pauses
// between items and a longer break between batches. Progress is checkpointed
// after every success and at every batch boundary so an interrupted run
// resumes without duplicate fetches or skipped candidates.
//
// A Scheduler never issues concurrent requests.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/Sternrassler/profile-harvest/pkg/checkpoint"
	"github.com/Sternrassler/profile-harvest/pkg/identity"
	"github.com/Sternrassler/profile-harvest/pkg/ledger"
	"github.com/Sternrassler/profile-harvest/pkg/logging"
	"github.com/Sternrassler/profile-harvest/pkg/pacing"
	"github.com/Sternrassler/profile-harvest/pkg/pagination"
	"github.com/Sternrassler/profile-harvest/pkg/query"
	"github.com/Sternrassler/profile-harvest/pkg/retry"
	"github.com/Sternrassler/profile-harvest/pkg/types"
	"github.com/rs/zerolog"
)

// Transport issues one request for a detail record.
type Transport interface {
	Fetch(ctx context.Context, target string, headers http.Header) (types.Response, error)
}

// CandidateSource discovers candidates for a query. *pagination.Walker implements it.
type CandidateSource interface {
	Walk(ctx context.Context, req pagination.Request) (pagination.Result, error)
}

// RecordParser turns an ok payload into a record. An error skips the item.
type RecordParser func(c types.Candidate, payload []byte) (types.FetchRecord, error)

// Config is the immutable scheduler configuration.
type Config struct {
	// Pacing holds the batch size, item delay and batch break ranges.
	Pacing pacing.Profile

	// ItemRetry bounds attempts for a transiently failing item.
	ItemRetry retry.Config

	// Identity selects the pools a run's session identity is drawn from.
	Identity identity.Config
}

// DefaultConfig returns the balanced pacing preset with three item attempts.
func DefaultConfig() Config {
	return Config{
		Pacing: pacing.Balanced(),
		ItemRetry: retry.Config{
			MaxAttempts:       3,
			InitialBackoff:    5 * time.Second,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
		},
		Identity: identity.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Pacing.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.ItemRetry.Validate(); err != nil {
		return fmt.Errorf("%w: item retry: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Deps are the scheduler's collaborators.
type Deps struct {
	Transport   Transport
	Source      CandidateSource
	Ledger      ledger.Ledger
	Checkpoints checkpoint.Store

	// Parser defaults to wrapping the raw payload.
	Parser RecordParser

	// Sleeper defaults to pacing.TimerSleeper.
	Sleeper pacing.Sleeper

	// Rand drives every randomized decision. Defaults to a time-seeded source.
	Rand *rand.Rand

	Observer Observer
	Logger   *zerolog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Summary reports a run's outcome.
type Summary struct {
	RunID     string
	Signature string
	State     State

	// Fetched is the number of records returned by this invocation.
	Fetched int

	// Completed, Skipped and Duplicates are cumulative across resumes.
	Completed  int
	Skipped    int
	Duplicates int

	// Remaining is the number of candidates left unattempted.
	Remaining int

	Requested int
	Found     int
	Batches   int
	Resumed   bool

	Started  time.Time
	Finished time.Time
}

// Result is returned by Run. Records are owned by the caller.
type Result struct {
	Records []types.FetchRecord
	Skipped []types.Candidate
	Summary Summary
}

// Scheduler runs queries. It is safe to reuse for sequential runs; runs for
// the same query signature are serialized by the checkpoint store's lock.
type Scheduler struct {
	cfg         Config
	transport   Transport
	source      CandidateSource
	ledger      ledger.Ledger
	checkpoints checkpoint.Store
	parser      RecordParser
	sleeper     pacing.Sleeper
	rng         *rand.Rand
	observer    Observer
	logger      zerolog.Logger
	now         func() time.Time
}

// New creates a scheduler.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidConfig)
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("%w: candidate source is required", ErrInvalidConfig)
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("%w: ledger is required", ErrInvalidConfig)
	}
	if deps.Checkpoints == nil {
		return nil, fmt.Errorf("%w: checkpoint store is required", ErrInvalidConfig)
	}

	s := &Scheduler{
		cfg:         cfg,
		transport:   deps.Transport,
		source:      deps.Source,
		ledger:      deps.Ledger,
		checkpoints: deps.Checkpoints,
		parser:      deps.Parser,
		sleeper:     deps.Sleeper,
		rng:         deps.Rand,
		observer:    deps.Observer,
		logger:      logging.NewLogger("scheduler"),
		now:         deps.Now,
	}
	if s.parser == nil {
		s.parser = rawRecord
	}
	if s.sleeper == nil {
		s.sleeper = pacing.TimerSleeper{}
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if s.cfg.ItemRetry.Rand == nil {
		s.cfg.ItemRetry.Rand = s.rng
	}
	if deps.Logger != nil {
		s.logger = *deps.Logger
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func rawRecord(c types.Candidate, payload []byte) (types.FetchRecord, error) {
	return types.FetchRecord{ID: c.ID, Target: c.Target, Payload: payload}, nil
}

// Run executes (or resumes) a run for q and returns once it reaches a
// terminal state. The returned Result is populated for every terminal
// state; the error is nil only for DONE.
func (s *Scheduler) Run(ctx context.Context, q query.Query, limit int, dedup bool) (Result, error) {
	if err := q.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if limit <= 0 {
		return Result{}, fmt.Errorf("%w: limit must be > 0 (got %d)", ErrInvalidConfig, limit)
	}

	signature := q.Signature()
	unlock, err := s.checkpoints.Lock(ctx, signature)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err := unlock(); err != nil {
			s.logger.Warn().Err(err).Str(logging.FieldSignature, signature).Msg("Failed to release run lock")
		}
	}()

	r := &run{
		s:        s,
		query:    q,
		limit:    limit,
		dedup:    dedup,
		identity: identity.New(s.rng, s.cfg.Identity),
		state:    StateIdle,
		started:  s.now(),
		logger:   s.logger.With().Str(logging.FieldSignature, signature).Logger(),
	}
	return r.execute(ctx, signature)
}
