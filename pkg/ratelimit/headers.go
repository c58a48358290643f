package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Header naming conventions. GitHub prefixes its quota headers with "X-",
// GitLab uses the unprefixed form.
var headerPrefixes = []string{"X-RateLimit-", "RateLimit-"}

// epochCutoff separates absolute reset timestamps from relative seconds.
const epochCutoff = 1_000_000_000

// HeaderQuota is the quota information found on one response.
// Fields the response did not carry (or carried malformed) are Unknown / zero.
type HeaderQuota struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Empty reports whether no quota field could be read.
func (q HeaderQuota) Empty() bool {
	return q.Limit == Unknown && q.Remaining == Unknown && q.ResetAt.IsZero()
}

// ParseHeaders reads quota fields from whichever naming convention is present.
func ParseHeaders(h http.Header, now time.Time) HeaderQuota {
	q := HeaderQuota{Limit: Unknown, Remaining: Unknown}
	if h == nil {
		return q
	}

	for _, prefix := range headerPrefixes {
		if q.Limit == Unknown {
			if v, ok := parseCount(h.Get(prefix + "Limit")); ok {
				q.Limit = v
			}
		}
		if q.Remaining == Unknown {
			if v, ok := parseCount(h.Get(prefix + "Remaining")); ok {
				q.Remaining = v
			}
		}
		if q.ResetAt.IsZero() {
			if t, ok := ParseReset(h.Get(prefix+"Reset"), now); ok {
				q.ResetAt = t
			}
		}
	}

	// GitLab also sends the reset as an HTTP date.
	if q.ResetAt.IsZero() {
		if v := h.Get("RateLimit-ResetTime"); v != "" {
			if t, err := http.ParseTime(v); err == nil {
				q.ResetAt = t
			}
		}
	}

	return q
}

// ParseReset parses a reset header value. Values above the epoch cutoff are
// Unix timestamps, smaller values are seconds from now.
func ParseReset(value string, now time.Time) (time.Time, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || n < 0 {
		return time.Time{}, false
	}
	if n >= epochCutoff {
		return time.Unix(n, 0), true
	}
	return now.Add(time.Duration(n) * time.Second), true
}

func parseCount(value string) (int, bool) {
	if value == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
