package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_runs_total",
		Help: "Scheduler runs by terminal state",
	}, []string{"state"})

	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_items_total",
		Help: "Candidates processed by outcome",
	}, []string{"outcome"}) // "fetched", "skipped", "duplicate", "blocked"

	batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_batches_total",
		Help: "Batches planned",
	})

	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_batch_size",
		Help:    "Sampled batch sizes",
		Buckets: []float64{1, 3, 5, 8, 10, 15, 20, 30},
	})

	sleepSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_sleep_seconds",
		Help:    "Scheduler pause durations by kind",
		Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
	}, []string{"kind"}) // "item", "break"

	schedulerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harvest_scheduler_state",
		Help: "1 for the state the scheduler is currently in",
	}, []string{"state"})
)
