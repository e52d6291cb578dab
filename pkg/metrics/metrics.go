// Package metrics exposes the Prometheus registry used by profile-harvest.
// All metrics are defined in their respective packages to maintain
// modularity and avoid circular dependencies.
//
// This package provides the HTTP handler and the reference for all
// available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every package's promauto metrics land in.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Scheduler Metrics (pkg/scheduler):
//   - harvest_runs_total{state} (Counter): Runs by terminal state
//   - harvest_items_total{outcome} (Counter): Items fetched, skipped, duplicate or blocked
//   - harvest_batches_total (Counter): Batches planned
//   - harvest_batch_size (Histogram): Sampled batch sizes
//   - harvest_sleep_seconds{kind} (Histogram): Item pauses and batch breaks
//   - harvest_scheduler_state{state} (Gauge): 1 for the current state
//
// Pagination Metrics (pkg/pagination):
//   - harvest_search_pages_total{source, status} (Counter): Pages from network or cache
//   - harvest_walk_candidates_total{outcome} (Counter): New, duplicate and repeated candidates
//
// Request Metrics (pkg/client):
//   - harvest_requests_total{host, status} (Counter): Requests by host and outcome
//   - harvest_request_duration_seconds{host} (Histogram): Request duration by host
//   - harvest_request_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, blocked)
//   - harvest_limiter_wait_seconds (Histogram): Time spent on the request interval floor
//
// Retry Metrics (pkg/retry):
//   - harvest_retries_total{operation} (Counter): Retry attempts
//   - harvest_retry_backoff_seconds{operation} (Histogram): Backoff durations
//   - harvest_retry_exhausted_total{operation} (Counter): Operations that exhausted retries
//
// Persistence Metrics (pkg/ledger, pkg/checkpoint):
//   - harvest_ledger_commits_total{backend, result} (Counter): Ledger commits
//   - harvest_ledger_lookups_total{backend, result} (Counter): Ledger lookups
//   - harvest_ledger_size{backend} (Gauge): Identifiers in the ledger
//   - harvest_checkpoint_operations_total{backend, operation, result} (Counter): Checkpoint store operations
//
// Cooldown Metrics (pkg/ratelimit):
//   - harvest_blocks_total (Counter): Blocks reported by the source
//   - harvest_cooldown_seconds (Gauge): Most recently started cooldown
//   - harvest_cooldown_rejections_total (Counter): Runs or requests refused during a cooldown
//
// Cache Metrics (pkg/cache):
//   - harvest_cache_hits_total (Counter): Page cache hits
//   - harvest_cache_misses_total (Counter): Page cache misses
//   - harvest_cache_size_bytes (Counter): Bytes written to the cache
//   - harvest_cache_errors_total{operation} (Counter): Cache operation errors
//
// Example Prometheus Queries:
//
//   # Items fetched per hour
//   sum(increase(harvest_items_total{outcome="fetched"}[1h]))
//
//   # Block rate
//   rate(harvest_blocks_total[1h])
//
//   # Page cache hit rate
//   sum(rate(harvest_cache_hits_total[1h])) /
//   (sum(rate(harvest_cache_hits_total[1h])) + sum(rate(harvest_cache_misses_total[1h])))
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(harvest_request_duration_seconds_bucket[5m]))
