// Package cache stores forge responses in Redis for ETag revalidation.
//
// Forge APIs answer a conditional request (If-None-Match) with 304 Not
// Modified when nothing changed. On GitHub a 304 does not count against the
// primary rate limit, so re-running the harvester against an unchanged
// repository costs almost no quota.
//
// Entries are kept for a fixed TTL chosen by the operator. The TTL bounds
// Redis memory only; freshness is always confirmed by the forge.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient, 24*time.Hour)
//
//	key := cache.CacheKey{
//		Host:        "gitlab.com",
//		Endpoint:    "/api/v4/projects/group%2Fproject/merge_requests/7/notes",
//		QueryParams: url.Values{"page": []string{"2"}},
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch unconditionally
//	}
//
//	if cache.ShouldMakeConditionalRequest(entry) {
//		cache.AddConditionalHeaders(req, entry)
//	}
//
// # Metrics
//
//   - harvest_cache_hits_total{layer="redis"}
//   - harvest_cache_misses_total
//   - harvest_cache_size_bytes{layer="redis"}
//   - harvest_304_responses_total
//   - harvest_cache_errors_total{operation}
package cache
