package cache

import (
	"net/url"
	"sort"
	"strings"
)

// CacheKey represents a unique identifier for a cached forge response.
type CacheKey struct {
	// Host is the forge host (e.g. "gitlab.com")
	Host string

	// Endpoint is the escaped request path
	Endpoint string

	// QueryParams are the query parameters (page, per_page, windows)
	QueryParams url.Values

	// Principal identifies the credential; responses differ per token visibility
	Principal string
}

// String generates a deterministic cache key string.
// Format: harvest:host:endpoint:query1=val1,val2:principal
//
// Example:
//
//	harvest:gitlab.com:api/v4/projects/g%2Fp/merge_requests:page=2:per_page=100:ab12cd34
func (k CacheKey) String() string {
	parts := []string{"harvest", k.Host}

	if endpoint := strings.Trim(k.Endpoint, "/"); endpoint != "" {
		parts = append(parts, endpoint)
	}

	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			values := append([]string(nil), k.QueryParams[key]...)
			sort.Strings(values)
			parts = append(parts, key+"="+strings.Join(values, ","))
		}
	}

	if k.Principal != "" {
		parts = append(parts, k.Principal)
	}

	return strings.Join(parts, ":")
}
