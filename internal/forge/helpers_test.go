package forge

import (
	"testing"
	"time"

	"github.com/Sternrassler/review-harvester/pkg/client"
	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, host string) *client.Client {
	t.Helper()

	cfg := client.DefaultConfig(host)
	cfg.Policy = client.Policy{
		MaxAttempts: 2,
		Backoff:     client.ExponentialBackoff(time.Millisecond, 5*time.Millisecond),
	}
	cfg.Logger = zerolog.Nop()

	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	return c
}

func assertUnique(t *testing.T, records []Record) {
	t.Helper()

	seen := make(map[int]bool, len(records))
	for _, r := range records {
		if seen[r.IID] {
			t.Fatalf("duplicate record !%d", r.IID)
		}
		seen[r.IID] = true
	}
}
