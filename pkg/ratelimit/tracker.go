package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for quota tracking.
var (
	quotaRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harvest_quota_remaining",
		Help: "Requests remaining in the current forge quota window",
	}, []string{"host"})

	quotaWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_quota_waits_total",
		Help: "Total number of requests held back until the quota reset",
	}, []string{"host"})

	quotaWaitSeconds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_quota_wait_seconds_total",
		Help: "Total time spent waiting for quota resets",
	}, []string{"host"})
)

// DefaultPollInterval is the slice a waiting caller sleeps before re-reading
// the shared state.
const DefaultPollInterval = time.Second

// Tracker holds the quota state of one forge host. It is shared by every
// worker talking to that host.
type Tracker struct {
	host   string
	logger zerolog.Logger
	poll   time.Duration
	now    func() time.Time

	mu       sync.Mutex
	state    QuotaState
	observed bool
}

// NewTracker creates a new quota tracker for host.
func NewTracker(host string, logger zerolog.Logger) *Tracker {
	return &Tracker{
		host:   host,
		logger: logger.With().Str("host", host).Logger(),
		poll:   DefaultPollInterval,
		now:    time.Now,
		state:  NewQuotaState(),
	}
}

// SetPollInterval changes the wait slice (for testing).
func (t *Tracker) SetPollInterval(d time.Duration) {
	if d > 0 {
		t.poll = d
	}
}

// State returns a copy of the current quota state.
func (t *Tracker) State() QuotaState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Observe updates the quota state from response headers. Absent or malformed
// fields leave the corresponding part of the state unchanged.
func (t *Tracker) Observe(headers http.Header) {
	now := t.now()
	q := ParseHeaders(headers, now)
	if q.Empty() {
		return
	}

	t.mu.Lock()
	if q.Limit != Unknown {
		t.state.Limit = q.Limit
	}
	if q.Remaining != Unknown {
		t.state.Remaining = q.Remaining
	}
	if !q.ResetAt.IsZero() {
		t.state.ResetAt = q.ResetAt
	}
	t.state.LastUpdate = now
	t.observed = true
	state := t.state
	t.mu.Unlock()

	if state.Remaining != Unknown {
		quotaRemaining.WithLabelValues(t.host).Set(float64(state.Remaining))
	}

	t.logger.Debug().
		Int("limit", state.Limit).
		Int("remaining", state.Remaining).
		Time("reset_at", state.ResetAt).
		Msg("Quota state updated")
}

// WaitIfNeeded blocks while the remaining quota is at or below the safety
// threshold and the reset lies in the future. It re-reads the shared state
// every poll slice so a fresher response from another worker can end the wait
// early. It is a no-op until the first quota header has been observed.
func (t *Tracker) WaitIfNeeded(ctx context.Context) error {
	var started time.Time

	for {
		t.mu.Lock()
		state, observed := t.state, t.observed
		t.mu.Unlock()

		if !observed {
			return nil
		}

		now := t.now()
		if !state.NeedsWait(now) {
			if !started.IsZero() {
				quotaWaitSeconds.WithLabelValues(t.host).Add(time.Since(started).Seconds())
			}
			return nil
		}

		wait := state.TimeUntilReset(now)
		if started.IsZero() {
			started = time.Now()
			quotaWaitsTotal.WithLabelValues(t.host).Inc()
			t.logger.Warn().
				Int("remaining", state.Remaining).
				Int("threshold", state.Threshold()).
				Time("reset_at", state.ResetAt).
				Dur("wait", wait).
				Msg("Quota nearly exhausted - waiting for reset")
		}

		slice := t.poll
		if wait < slice {
			slice = wait
		}

		timer := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
