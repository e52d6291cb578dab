// Package cache stores search-page payloads in Redis so that repeated walks
// of the same query within a short window do not re-request pages.
//
// Entries are keyed by query signature and page number and expire after a
// fixed TTL. Only ok pages are stored; a miss is never an error for callers
// of LoadPage.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient, cache.DefaultConfig())
//
//	walker, err := pagination.NewWalker(cfg, pagination.Deps{
//		Cache: manager,
//		// ...
//	})
//
// # Metrics
//
//   - harvest_cache_hits_total - Page cache hits
//   - harvest_cache_misses_total - Page cache misses
//   - harvest_cache_size_bytes - Bytes written to the cache
//   - harvest_cache_errors_total{operation} - Cache operation errors
package cache
