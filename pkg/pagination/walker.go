package pagination

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/Sternrassler/profile-harvest/pkg/identity"
	"github.com/Sternrassler/profile-harvest/pkg/ledger"
	"github.com/Sternrassler/profile-harvest/pkg/logging"
	"github.com/Sternrassler/profile-harvest/pkg/pacing"
	"github.com/Sternrassler/profile-harvest/pkg/query"
	"github.com/Sternrassler/profile-harvest/pkg/retry"
	"github.com/Sternrassler/profile-harvest/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	// ErrSourceUnreachable is returned when a page keeps failing after its retries.
	ErrSourceUnreachable = errors.New("source unreachable")

	// ErrBlocked is returned when the source refuses a search page.
	ErrBlocked = errors.New("search page blocked")

	// ErrMalformedPage is returned when a page payload cannot be parsed.
	ErrMalformedPage = errors.New("malformed search page")

	// ErrInvalidLimit is returned for a limit <= 0.
	ErrInvalidLimit = errors.New("limit must be > 0")
)

var (
	pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_search_pages_total",
		Help: "Search pages processed by source (network, cache) and status",
	}, []string{"source", "status"})

	walkCandidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_walk_candidates_total",
		Help: "Candidates discovered by the pagination walker by outcome",
	}, []string{"outcome"}) // "new", "duplicate", "repeated"
)

// Transport issues one request. The walker reads only the returned status
// and, for ok responses, hands the payload to the page parser.
type Transport interface {
	Fetch(ctx context.Context, target string, headers http.Header) (types.Response, error)
}

// Page is one parsed search-result page.
type Page struct {
	// Candidates in display order. Page and Rank are assigned by the walker.
	Candidates []types.Candidate

	// More reports whether the source advertises a following page.
	More bool
}

// PageParser converts an ok search-page payload into a Page.
type PageParser func(payload []byte) (Page, error)

// PageCache stores raw search-page payloads keyed by query signature and page.
type PageCache interface {
	LoadPage(ctx context.Context, signature string, page int) ([]byte, bool, error)
	StorePage(ctx context.Context, signature string, page int, payload []byte) error
}

// Config holds walker configuration.
type Config struct {
	// PageURL builds the target for a 1-based page number.
	PageURL func(q query.Query, page int) string

	// ParsePage extracts candidates from a page payload.
	ParsePage PageParser

	// PagePause is the randomized pause before every page after the first.
	PagePause pacing.DurationRange

	// MaxPages caps the walk regardless of what the source advertises.
	MaxPages int

	// PageRetry bounds attempts for a transiently failing page.
	PageRetry retry.Config

	// WarmupTarget, when set, is requested once before page 1 so the
	// session arrives at the search page from the site root.
	WarmupTarget string
}

// DefaultConfig returns the default walker configuration.
// PageURL and ParsePage must still be provided.
func DefaultConfig() Config {
	return Config{
		PagePause: pacing.DurationRange{Min: 3 * time.Second, Max: 8 * time.Second},
		MaxPages:  100,
		PageRetry: retry.Config{
			MaxAttempts:       3,
			InitialBackoff:    5 * time.Second,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
		},
	}
}

// Deps are the walker's collaborators. Only Transport is required.
type Deps struct {
	Transport Transport
	Ledger    ledger.Ledger
	Cache     PageCache
	Sleeper   pacing.Sleeper
	Rand      *rand.Rand
	Logger    *zerolog.Logger
}

// Request describes one walk.
type Request struct {
	Query query.Query
	Limit int
	Dedup bool

	// Identity, when set, supplies request headers and tracks the referrer.
	Identity *identity.Session
}

// Result is the outcome of a walk.
type Result struct {
	// Candidates are the unseen candidates in discovery order. The walker does
	// not truncate to the limit; the last page may overshoot it.
	Candidates []types.Candidate

	// Duplicates counts candidates dropped because the ledger already had them.
	Duplicates int

	PagesFetched int
	Requested    int
	Found        int

	// Exhausted is true when the source ran out before the limit was met.
	Exhausted bool
}

// Short reports whether fewer candidates were found than requested.
func (r Result) Short() bool {
	return r.Found < r.Requested
}

// Walker discovers candidates page by page.
type Walker struct {
	cfg       Config
	transport Transport
	ledger    ledger.Ledger
	cache     PageCache
	sleeper   pacing.Sleeper
	rng       *rand.Rand
	logger    zerolog.Logger
}

// NewWalker creates a walker.
func NewWalker(cfg Config, deps Deps) (*Walker, error) {
	if deps.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.PageURL == nil {
		return nil, fmt.Errorf("page URL builder is required")
	}
	if cfg.ParsePage == nil {
		return nil, fmt.Errorf("page parser is required")
	}
	if err := cfg.PagePause.Validate("page_pause"); err != nil {
		return nil, err
	}
	if err := cfg.PageRetry.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 100
	}

	w := &Walker{
		cfg:       cfg,
		transport: deps.Transport,
		ledger:    deps.Ledger,
		cache:     deps.Cache,
		sleeper:   deps.Sleeper,
		rng:       deps.Rand,
		logger:    logging.NewLogger("pagination"),
	}
	if w.sleeper == nil {
		w.sleeper = pacing.TimerSleeper{}
	}
	if w.rng == nil {
		w.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if w.cfg.PageRetry.Rand == nil {
		w.cfg.PageRetry.Rand = w.rng
	}
	if deps.Logger != nil {
		w.logger = *deps.Logger
	}
	return w, nil
}

// Walk fetches pages until req.Limit unseen candidates exist or the source
// is exhausted. A query with no pages yields an empty result and no error.
// On error the partial result gathered so far is returned alongside it.
func (w *Walker) Walk(ctx context.Context, req Request) (Result, error) {
	if err := req.Query.Validate(); err != nil {
		return Result{}, err
	}
	if req.Limit <= 0 {
		return Result{}, ErrInvalidLimit
	}

	start := time.Now()
	signature := req.Query.Signature()
	res := Result{Requested: req.Limit}
	seen := make(map[string]struct{})
	rank := 0

	logger := w.logger.With().Str(logging.FieldSignature, signature).Logger()

	if w.cfg.WarmupTarget != "" {
		w.warmup(ctx, req.Identity, logger)
	}

	for page := 1; ; page++ {
		if page > w.cfg.MaxPages {
			logger.Warn().Int("max_pages", w.cfg.MaxPages).Msg("Page cap reached")
			break
		}

		if page > 1 {
			pause := w.cfg.PagePause.Sample(w.rng)
			logger.Debug().Int("page", page).Dur("delay", pause).Msg("Pausing before next page")
			if err := w.sleeper.Sleep(ctx, pause); err != nil {
				res.Found = len(res.Candidates)
				return res, err
			}
		}

		target := w.cfg.PageURL(req.Query, page)
		parsed, status, err := w.fetchPage(ctx, req.Identity, signature, page, target)
		if err != nil {
			res.Found = len(res.Candidates)
			return res, err
		}

		if status == types.StatusExhausted {
			res.Exhausted = true
			break
		}
		res.PagesFetched++

		if len(parsed.Candidates) == 0 {
			res.Exhausted = true
			break
		}

		var unique []types.Candidate
		for _, c := range parsed.Candidates {
			if c.ID == "" {
				continue
			}
			if _, dup := seen[c.ID]; dup {
				walkCandidatesTotal.WithLabelValues("repeated").Inc()
				continue
			}
			seen[c.ID] = struct{}{}
			rank++
			c.Page = page
			c.Rank = rank
			c.Target = resolve(target, c.Target)
			unique = append(unique, c)
		}

		fresh, dups := unique, 0
		if req.Dedup && w.ledger != nil {
			fresh, dups, err = ledger.FilterNew(ctx, w.ledger, unique)
			if err != nil {
				res.Found = len(res.Candidates)
				return res, err
			}
		}
		res.Duplicates += dups
		res.Candidates = append(res.Candidates, fresh...)
		walkCandidatesTotal.WithLabelValues("new").Add(float64(len(fresh)))
		walkCandidatesTotal.WithLabelValues("duplicate").Add(float64(dups))

		logger.Info().
			Int("page", page).
			Int("on_page", len(parsed.Candidates)).
			Int("new", len(fresh)).
			Int("duplicates", dups).
			Int("total", len(res.Candidates)).
			Msg("Search page processed")

		if len(res.Candidates) >= req.Limit {
			break
		}
		if !parsed.More {
			res.Exhausted = true
			break
		}
	}

	res.Found = len(res.Candidates)
	if res.Found > req.Limit {
		res.Found = req.Limit
	}

	event := logger.Info()
	if res.Short() {
		event = logger.Warn()
	}
	event.
		Int("requested", res.Requested).
		Int("found", res.Found).
		Int("duplicates", res.Duplicates).
		Int("pages", res.PagesFetched).
		Dur("duration", time.Since(start)).
		Msg("Walk complete")

	return res, nil
}

// fetchPage returns the parsed page, or StatusExhausted when the source
// reports the page does not exist.
func (w *Walker) fetchPage(ctx context.Context, id *identity.Session, signature string, page int, target string) (Page, types.Status, error) {
	if w.cache != nil {
		payload, ok, err := w.cache.LoadPage(ctx, signature, page)
		if err != nil {
			w.logger.Warn().Err(err).Int("page", page).Msg("Page cache lookup failed")
		}
		if ok {
			parsed, err := w.cfg.ParsePage(payload)
			if err == nil {
				pagesTotal.WithLabelValues("cache", string(types.StatusOK)).Inc()
				return parsed, types.StatusOK, nil
			}
			w.logger.Warn().Err(err).Int("page", page).Msg("Cached page unparseable, refetching")
		}
	}

	var resp types.Response
	err := retry.Do(ctx, w.sleeper, w.cfg.PageRetry, "search_page", func(attempt int) error {
		var headers http.Header
		if id != nil {
			headers = id.Headers(target)
		}

		r, ferr := w.transport.Fetch(ctx, target, headers)
		if id != nil {
			id.Visit(target)
		}
		pagesTotal.WithLabelValues("network", string(r.Status)).Inc()

		switch {
		case r.Status == types.StatusBlocked:
			return retry.Permanent(fmt.Errorf("%w: %s", ErrBlocked, target))
		case r.Status == types.StatusExhausted:
			resp = r
			return nil
		case r.Status == types.StatusOK && ferr == nil:
			resp = r
			return nil
		case ferr != nil:
			return retry.Classify(ferr)
		default:
			return fmt.Errorf("page %d: status %s (%d)", page, r.Status, r.StatusCode)
		}
	})
	if err != nil {
		if errors.Is(err, ErrBlocked) || errors.Is(err, retry.ErrContextCancelled) {
			return Page{}, "", err
		}
		return Page{}, "", fmt.Errorf("%w: page %d: %w", ErrSourceUnreachable, page, err)
	}

	if resp.Status == types.StatusExhausted {
		return Page{}, types.StatusExhausted, nil
	}

	parsed, err := w.cfg.ParsePage(resp.Payload)
	if err != nil {
		return Page{}, "", fmt.Errorf("%w: page %d: %v", ErrMalformedPage, page, err)
	}

	if w.cache != nil {
		if err := w.cache.StorePage(ctx, signature, page, resp.Payload); err != nil {
			w.logger.Warn().Err(err).Int("page", page).Msg("Page cache store failed")
		}
	}

	return parsed, types.StatusOK, nil
}

// warmup requests the configured entry point once. Failures are logged and
// ignored; the walk itself surfaces real problems.
func (w *Walker) warmup(ctx context.Context, id *identity.Session, logger zerolog.Logger) {
	var headers http.Header
	if id != nil {
		headers = id.Headers(w.cfg.WarmupTarget)
	}
	resp, err := w.transport.Fetch(ctx, w.cfg.WarmupTarget, headers)
	if id != nil {
		id.Visit(w.cfg.WarmupTarget)
	}
	if err != nil || resp.Status != types.StatusOK {
		logger.Debug().Err(err).Str("status", string(resp.Status)).Msg("Warmup request did not succeed")
	}
}

// resolve makes a candidate target absolute relative to the page it was found on.
func resolve(base, ref string) string {
	if ref == "" {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil || r.IsAbs() {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
