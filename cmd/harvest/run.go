package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Sternrassler/profile-harvest/pkg/client"
	"github.com/Sternrassler/profile-harvest/pkg/logging"
	"github.com/Sternrassler/profile-harvest/pkg/pagination"
	"github.com/Sternrassler/profile-harvest/pkg/parser"
	"github.com/Sternrassler/profile-harvest/pkg/query"
	"github.com/Sternrassler/profile-harvest/pkg/scheduler"
	"github.com/Sternrassler/profile-harvest/pkg/types"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type runOptions struct {
	location string
	filters  map[string]string
	limit    int
	noDedup  bool
	output   string
}

func newRunCmd(a *app) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Harvest profiles for a location",
		Long: `Walk the search pages for a location and fetch up to --limit new profiles.

Records are written as JSON lines. A run interrupted by a signal or a block
keeps its checkpoint; running the same query again resumes it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.location, "location", "l", "", "state, city or ZIP code (required)")
	flags.StringToStringVar(&opts.filters, "filter", nil, "source filter as key=value (repeatable)")
	flags.IntVarP(&opts.limit, "limit", "n", 10, "maximum number of profiles to fetch")
	flags.BoolVar(&opts.noDedup, "no-dedup", false, "fetch profiles already in the history")
	flags.StringVarP(&opts.output, "output", "o", "-", "JSON lines output file, - for stdout")
	flags.String("preset", "", "pacing preset: conservative, balanced, aggressive")
	flags.String("metrics-addr", "", "serve /metrics and /health on this address during the run")
	flags.Bool("cache", false, "cache search pages in Redis")
	_ = cmd.MarkFlagRequired("location")
	bindFlags(a.v, flags, map[string]string{
		"pacing.preset": "preset",
		"metrics.addr":  "metrics-addr",
		"cache.enabled": "cache",
	})

	return cmd
}

func (a *app) run(cmd *cobra.Command, opts *runOptions) error {
	ctx := cmd.Context()
	cfg := a.cfg

	q := query.Query{Location: opts.location, Filters: opts.filters}
	if err := q.Validate(); err != nil {
		return err
	}
	profile, err := cfg.Pacing.Profile()
	if err != nil {
		return err
	}

	b := newBackends(cfg, a.logger)
	defer b.Close()

	tracker, err := b.cooldown(ctx)
	if err != nil {
		return err
	}
	if err := tracker.Check(ctx); err != nil {
		return err
	}

	led, err := b.ledger(ctx)
	if err != nil {
		return err
	}
	store, err := b.checkpoints(ctx)
	if err != nil {
		return err
	}
	pageCache, _, err := b.pageCache(ctx)
	if err != nil {
		return err
	}

	clientCfg := client.DefaultConfig()
	if cfg.Source.UserAgent != "" {
		clientCfg.UserAgent = cfg.Source.UserAgent
	}
	clientCfg.MinInterval = cfg.Source.MinInterval
	clientCfg.Timeout = cfg.Source.Timeout
	clientCfg.Cooldown = tracker
	httpClient, err := client.New(clientCfg)
	if err != nil {
		return err
	}
	defer httpClient.Close()

	p, err := parser.New(parser.DefaultConfig())
	if err != nil {
		return err
	}

	walkCfg := pagination.DefaultConfig()
	walkCfg.PageURL = func(q query.Query, page int) string {
		return q.SearchURL(cfg.Source.SearchBase, page)
	}
	walkCfg.ParsePage = p.Page
	walkCfg.PagePause = cfg.Source.PagePause
	walkCfg.MaxPages = cfg.Source.MaxPages
	walkCfg.PageRetry = cfg.Retry.Config()
	walkCfg.WarmupTarget = cfg.Source.Home

	logger := a.logger
	walker, err := pagination.NewWalker(walkCfg, pagination.Deps{
		Transport: httpClient,
		Ledger:    led,
		Cache:     pageCache,
		Logger:    &logger,
	})
	if err != nil {
		return err
	}

	schedCfg := scheduler.DefaultConfig()
	schedCfg.Pacing = profile
	schedCfg.ItemRetry = cfg.Retry.Config()
	if cfg.Source.UserAgent != "" {
		schedCfg.Identity.UserAgents = []string{cfg.Source.UserAgent}
	}

	sched, err := scheduler.New(schedCfg, scheduler.Deps{
		Transport:   httpClient,
		Source:      walker,
		Ledger:      led,
		Checkpoints: store,
		Parser:      p.Profile,
		Observer:    logEvents(logger),
		Logger:      &logger,
	})
	if err != nil {
		return err
	}

	out, closeOut, err := openOutput(cmd, opts.output)
	if err != nil {
		return err
	}
	defer closeOut()

	if cfg.Metrics.Addr != "" {
		stop := startMetricsServer(cfg.Metrics.Addr, logger)
		defer stop()
	}

	a.logger.Info().
		Str("location", q.Location).
		Str(logging.FieldSignature, q.Signature()).
		Int("limit", opts.limit).
		Bool("dedup", !opts.noDedup).
		Dur("estimate", profile.Estimate(opts.limit)).
		Msg("Starting harvest")

	res, runErr := sched.Run(ctx, q, opts.limit, !opts.noDedup)

	if err := writeRecords(out, res.Records); err != nil {
		return fmt.Errorf("write records: %w", err)
	}
	if res.Summary.Signature != "" {
		printSummary(cmd.ErrOrStderr(), res.Summary)
	}
	return runErr
}

func openOutput(cmd *cobra.Command, path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return cmd.OutOrStdout(), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open output: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// writeRecords writes one JSON object per line.
func writeRecords(w io.Writer, records []types.FetchRecord) error {
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

func printSummary(w io.Writer, s scheduler.Summary) {
	fmt.Fprintf(w, "\nRun %s: %s\n", s.RunID, s.State)
	fmt.Fprintf(w, "  fetched this run: %d\n", s.Fetched)
	fmt.Fprintf(w, "  completed:        %d of %d requested (%d found)\n", s.Completed, s.Requested, s.Found)
	fmt.Fprintf(w, "  skipped:          %d\n", s.Skipped)
	fmt.Fprintf(w, "  duplicates:       %d\n", s.Duplicates)
	fmt.Fprintf(w, "  batches:          %d\n", s.Batches)
	if s.Remaining > 0 {
		fmt.Fprintf(w, "  remaining:        %d (run again to resume)\n", s.Remaining)
	}
	if !s.Started.IsZero() && !s.Finished.IsZero() {
		fmt.Fprintf(w, "  elapsed:          %s\n", s.Finished.Sub(s.Started).Round(time.Second))
	}
}

// logEvents reports scheduler progress through the logger.
func logEvents(logger zerolog.Logger) scheduler.Observer {
	return func(e scheduler.Event) {
		switch e.Stage {
		case scheduler.StageBatchPlanned:
			logger.Info().
				Int(logging.FieldBatch, e.Batch).
				Int("size", e.BatchSize).
				Int("remaining", e.Remaining).
				Msg("Batch planned")
		case scheduler.StageItemFetched:
			logger.Info().
				Str(logging.FieldCandidateID, e.Candidate.ID).
				Str("progress", fmt.Sprintf("%d/%d", e.Completed, e.Limit)).
				Msg("Profile fetched")
		case scheduler.StageItemSkipped:
			event := logger.Warn().Str(logging.FieldCandidateID, e.Candidate.ID)
			if e.Err != nil {
				event = event.Err(e.Err)
			}
			event.Msg("Profile skipped")
		case scheduler.StageBatchBreak:
			logger.Info().
				Dur(logging.FieldBreak, e.Delay).
				Str("resume_at", time.Now().Add(e.Delay).Format(time.Kitchen)).
				Msg("Taking a break")
		}
	}
}
