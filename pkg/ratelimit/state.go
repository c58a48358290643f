// Package ratelimit implements forge request quota tracking and request gating.
// It reads the X-RateLimit-* (GitHub) and RateLimit-* (GitLab) response headers
// and blocks callers before the remaining quota is exhausted.
package ratelimit

import (
	"time"
)

// Unknown marks a quota field that no response has reported yet.
const Unknown = -1

// Thresholds for quota decisions.
const (
	// ThresholdFloor is the smallest safety margin kept in reserve, and the
	// margin used when the host never reported its limit.
	ThresholdFloor = 50

	// ThresholdRatio is the share of the reported limit kept in reserve.
	ThresholdRatio = 0.10
)

// QuotaState is the last known request quota of one forge host.
type QuotaState struct {
	// Limit is the request allowance per window, or Unknown.
	Limit int `json:"limit"`

	// Remaining is the number of requests left in the window, or Unknown.
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets. Zero when unknown.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when a response last changed this state.
	LastUpdate time.Time `json:"last_update"`
}

// NewQuotaState returns a state with every field unknown.
func NewQuotaState() QuotaState {
	return QuotaState{Limit: Unknown, Remaining: Unknown}
}

// Threshold returns the remaining-request count at or below which callers wait
// for the reset: max(10% of limit, 50), or 50 when the limit is unknown.
func (s QuotaState) Threshold() int {
	if s.Limit == Unknown {
		return ThresholdFloor
	}
	threshold := int(float64(s.Limit) * ThresholdRatio)
	if threshold < ThresholdFloor {
		return ThresholdFloor
	}
	return threshold
}

// NeedsWait returns true if the quota is at or below the threshold and the
// reset is still in the future.
func (s QuotaState) NeedsWait(now time.Time) bool {
	if s.Remaining == Unknown || s.ResetAt.IsZero() {
		return false
	}
	return s.Remaining <= s.Threshold() && s.ResetAt.After(now)
}

// TimeUntilReset returns the duration until the quota resets.
// Returns 0 if the reset time has already passed or is unknown.
func (s QuotaState) TimeUntilReset(now time.Time) time.Duration {
	if s.ResetAt.IsZero() {
		return 0
	}
	duration := s.ResetAt.Sub(now)
	if duration < 0 {
		return 0
	}
	return duration
}
