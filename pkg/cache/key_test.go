package cache

import (
	"net/url"
	"testing"
)

func TestCacheKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  CacheKey
		want string
	}{
		{
			name: "simple endpoint no params",
			key: CacheKey{
				Host:     "api.github.com",
				Endpoint: "/repos/octo/hello/pulls",
			},
			want: "harvest:api.github.com:repos/octo/hello/pulls",
		},
		{
			name: "escaped gitlab project path",
			key: CacheKey{
				Host:     "gitlab.com",
				Endpoint: "/api/v4/projects/group%2Fsub%2Fproject/merge_requests",
				QueryParams: url.Values{
					"state": []string{"all"},
				},
			},
			want: "harvest:gitlab.com:api/v4/projects/group%2Fsub%2Fproject/merge_requests:state=all",
		},
		{
			name: "multiple query params sorted",
			key: CacheKey{
				Host:     "gitlab.com",
				Endpoint: "/api/v4/projects/1/merge_requests",
				QueryParams: url.Values{
					"per_page": []string{"100"},
					"page":     []string{"3"},
				},
			},
			want: "harvest:gitlab.com:api/v4/projects/1/merge_requests:page=3:per_page=100",
		},
		{
			name: "principal scoped",
			key: CacheKey{
				Host:      "api.github.com",
				Endpoint:  "/repos/octo/private/pulls",
				Principal: "ab12cd34",
			},
			want: "harvest:api.github.com:repos/octo/private/pulls:ab12cd34",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("CacheKey.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCacheKey_Determinism ensures same input always produces same key
func TestCacheKey_Determinism(t *testing.T) {
	key := CacheKey{
		Host:     "gitlab.com",
		Endpoint: "/api/v4/projects/1/merge_requests",
		QueryParams: url.Values{
			"created_before": []string{"2024-01-01T00:00:00Z"},
			"page":           []string{"1"},
			"labels":         []string{"b", "a"},
		},
		Principal: "ff00",
	}

	first := key.String()
	for i := 0; i < 10; i++ {
		if result := key.String(); result != first {
			t.Errorf("result[%d] = %v, want %v (not deterministic)", i, result, first)
		}
	}
}
