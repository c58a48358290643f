package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestTracker() *Tracker {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tracker := NewTracker("forge.test", logger)
	tracker.SetPollInterval(10 * time.Millisecond)
	return tracker
}

func TestParseHeaders_Conventions(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name          string
		headers       map[string]string
		wantLimit     int
		wantRemaining int
		wantReset     time.Time
	}{
		{
			name: "github vendor prefixed",
			headers: map[string]string{
				"X-RateLimit-Limit":     "5000",
				"X-RateLimit-Remaining": "4321",
				"X-RateLimit-Reset":     "1700000600",
			},
			wantLimit:     5000,
			wantRemaining: 4321,
			wantReset:     time.Unix(1_700_000_600, 0),
		},
		{
			name: "gitlab generic",
			headers: map[string]string{
				"RateLimit-Limit":     "2000",
				"RateLimit-Remaining": "12",
				"RateLimit-Reset":     "1700000060",
			},
			wantLimit:     2000,
			wantRemaining: 12,
			wantReset:     time.Unix(1_700_000_060, 0),
		},
		{
			name: "relative reset seconds",
			headers: map[string]string{
				"RateLimit-Remaining": "1",
				"RateLimit-Reset":     "30",
			},
			wantLimit:     Unknown,
			wantRemaining: 1,
			wantReset:     now.Add(30 * time.Second),
		},
		{
			name: "gitlab reset time as http date",
			headers: map[string]string{
				"RateLimit-Remaining": "5",
				"RateLimit-ResetTime": now.Add(time.Minute).UTC().Format(http.TimeFormat),
			},
			wantLimit:     Unknown,
			wantRemaining: 5,
			wantReset:     now.Add(time.Minute),
		},
		{
			name: "malformed values are ignored",
			headers: map[string]string{
				"X-RateLimit-Limit":     "lots",
				"X-RateLimit-Remaining": "-4",
				"X-RateLimit-Reset":     "soon",
			},
			wantLimit:     Unknown,
			wantRemaining: Unknown,
		},
		{
			name:          "no headers",
			headers:       map[string]string{},
			wantLimit:     Unknown,
			wantRemaining: Unknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}

			q := ParseHeaders(h, now)
			if q.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", q.Limit, tt.wantLimit)
			}
			if q.Remaining != tt.wantRemaining {
				t.Errorf("Remaining = %d, want %d", q.Remaining, tt.wantRemaining)
			}
			if !q.ResetAt.Equal(tt.wantReset) {
				t.Errorf("ResetAt = %v, want %v", q.ResetAt, tt.wantReset)
			}
		})
	}
}

func TestTracker_ObserveKeepsUnknownFields(t *testing.T) {
	tracker := newTestTracker()

	h := http.Header{}
	h.Set("X-RateLimit-Limit", "5000")
	h.Set("X-RateLimit-Remaining", "4000")
	h.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
	tracker.Observe(h)

	// A later response with a malformed remaining count must not clobber state.
	h2 := http.Header{}
	h2.Set("X-RateLimit-Remaining", "garbage")
	tracker.Observe(h2)

	state := tracker.State()
	if state.Limit != 5000 {
		t.Errorf("Limit = %d, want 5000", state.Limit)
	}
	if state.Remaining != 4000 {
		t.Errorf("Remaining = %d, want 4000", state.Remaining)
	}
}

func TestTracker_WaitIfNeeded_NoopBeforeObservation(t *testing.T) {
	tracker := newTestTracker()

	start := time.Now()
	if err := tracker.WaitIfNeeded(context.Background()); err != nil {
		t.Fatalf("WaitIfNeeded() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("WaitIfNeeded() blocked for %v without any quota data", elapsed)
	}
}

func TestTracker_WaitIfNeeded_BlocksUntilReset(t *testing.T) {
	tracker := newTestTracker()

	resetAt := time.Now().Add(300 * time.Millisecond)
	tracker.mu.Lock()
	tracker.state = QuotaState{Limit: 5000, Remaining: 3, ResetAt: resetAt}
	tracker.observed = true
	tracker.mu.Unlock()

	var wg sync.WaitGroup
	dispatched := make([]time.Time, 4)
	for i := range dispatched {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := tracker.WaitIfNeeded(context.Background()); err != nil {
				t.Errorf("worker %d: WaitIfNeeded() error = %v", i, err)
			}
			dispatched[i] = time.Now()
		}(i)
	}
	wg.Wait()

	for i, at := range dispatched {
		if at.Before(resetAt) {
			t.Errorf("worker %d dispatched %v before reset", i, resetAt.Sub(at))
		}
	}
}

func TestTracker_WaitIfNeeded_FresherStateShortensWait(t *testing.T) {
	tracker := newTestTracker()

	tracker.mu.Lock()
	tracker.state = QuotaState{Limit: 5000, Remaining: 0, ResetAt: time.Now().Add(time.Hour)}
	tracker.observed = true
	tracker.mu.Unlock()

	go func() {
		time.Sleep(50 * time.Millisecond)
		h := http.Header{}
		h.Set("X-RateLimit-Remaining", "5000")
		h.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
		tracker.Observe(h)
	}()

	done := make(chan error, 1)
	go func() { done <- tracker.WaitIfNeeded(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitIfNeeded() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitIfNeeded() did not notice the refreshed quota")
	}
}

func TestTracker_WaitIfNeeded_ContextCancelled(t *testing.T) {
	tracker := newTestTracker()

	tracker.mu.Lock()
	tracker.state = QuotaState{Limit: 5000, Remaining: 0, ResetAt: time.Now().Add(time.Hour)}
	tracker.observed = true
	tracker.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := tracker.WaitIfNeeded(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitIfNeeded() error = %v, want deadline exceeded", err)
	}
}
