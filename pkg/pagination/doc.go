// Package pagination discovers the candidates for a query by walking
// search-result pages one at a time.
//
// The walker never issues two requests concurrently. Between pages it sleeps
// for a randomized pause drawn from Config.PagePause, and it stops as soon as
// enough unseen candidates exist to satisfy the requested limit or the source
// runs out of pages.
//
// Example usage:
//
//	cfg := pagination.DefaultConfig()
//	cfg.PageURL = func(q query.Query, page int) string { return q.SearchURL(base, page) }
//	cfg.ParsePage = parser.SearchPage
//	walker, err := pagination.NewWalker(cfg, pagination.Deps{Transport: httpClient, Ledger: history})
//	res, err := walker.Walk(ctx, pagination.Request{Query: q, Limit: 50, Dedup: true})
//
// The walker:
//   - Fetches page 1, then further pages only while the limit is unmet
//   - Drops ledger hits when dedup is enabled and counts them as duplicates
//   - Collapses ids repeated across pages
//   - Retries a transiently failing page a bounded number of times
//   - Reports Found against Requested so a shortfall is never silent
package pagination
