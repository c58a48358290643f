package harvest

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/review-harvester/internal/config"
	"github.com/Sternrassler/review-harvester/internal/forge"
	"github.com/Sternrassler/review-harvester/internal/output"
	"github.com/Sternrassler/review-harvester/internal/testutil"
	"github.com/Sternrassler/review-harvester/pkg/client"
	"github.com/Sternrassler/review-harvester/pkg/pagination"
	"github.com/rs/zerolog"
)

// memorySink records every flushed snapshot.
type memorySink struct {
	mu      sync.Mutex
	flushes []int
	onWrite func()
}

func (s *memorySink) Write(snapshot *output.Snapshot) error {
	s.mu.Lock()
	s.flushes = append(s.flushes, len(snapshot.Repositories))
	s.mu.Unlock()
	if s.onWrite != nil {
		s.onWrite()
	}
	return nil
}

type fixedPriority map[string]string

func (p fixedPriority) Priority(_ context.Context, key string) (string, bool) {
	v, ok := p[key]
	return v, ok
}

func newGitLabForge(t *testing.T, mock *testutil.MockGitLab) *forge.GitLabForge {
	t.Helper()

	cfg := client.DefaultConfig("gitlab.test")
	cfg.Policy = client.Policy{
		MaxAttempts: 2,
		Backoff:     client.ExponentialBackoff(time.Millisecond, 5*time.Millisecond),
	}
	cfg.Logger = zerolog.Nop()
	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	return forge.NewGitLab(c, mock.URL(), forge.NewBots(nil), pagination.DefaultWindowConfig())
}

func repository(t *testing.T, mock *testutil.MockGitLab, path string) config.Repository {
	t.Helper()

	repo, err := forge.ParseRepository(mock.ProjectURL(path), forge.GitLab)
	if err != nil {
		t.Fatalf("ParseRepository() error = %v", err)
	}
	return config.Repository{Repository: repo, Teams: []string{"platform"}}
}

func newHarvester(t *testing.T, mock *testutil.MockGitLab, sink Sink, limit int, priority PriorityLookup) *Harvester {
	t.Helper()

	h, err := New(Config{
		Forges:   map[forge.Kind]forge.Forge{forge.GitLab: newGitLabForge(t, mock)},
		Priority: priority,
		Sink:     sink,
		Limit:    limit,
		Workers:  4,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h
}

func TestNew_Validation(t *testing.T) {
	forges := map[forge.Kind]forge.Forge{forge.GitLab: &forge.GitLabForge{}}
	sink := &memorySink{}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no forges", Config{Sink: sink, Workers: 1}},
		{"no sink", Config{Forges: forges, Workers: 1}},
		{"no workers", Config{Forges: forges, Sink: sink}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() expected error")
			}
		})
	}
}

func TestRun_EndToEnd(t *testing.T) {
	mock := testutil.NewMockGitLab()
	defer mock.Close()
	mock.AddProject("acme/api", testutil.GenerateMergeRequests(250, time.Now(), time.Hour))

	path := filepath.Join(t.TempDir(), "data.json")
	writer := output.NewFileWriter(path)
	h := newHarvester(t, mock, writer, 200, nil)

	snapshot := output.NewSnapshot("run-1", []string{"platform"}, time.Now())
	results, err := h.Run(context.Background(), snapshot, []config.Repository{repository(t, mock, "acme/api")})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(results) != 1 || results[0].Records != 200 || results[0].Degraded != 0 {
		t.Fatalf("results = %+v, want 200 records without degradation", results)
	}

	written, err := output.Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(written.Repositories) != 1 {
		t.Fatalf("written repositories = %d, want 1", len(written.Repositories))
	}
	repo := written.Repositories[0]
	if repo.Name != "api" || repo.FullPath != "acme/api" || repo.Forge != forge.GitLab {
		t.Errorf("repository identity = %q %q %s", repo.Name, repo.FullPath, repo.Forge)
	}
	if len(repo.MergeRequests) != 200 {
		t.Fatalf("merge requests = %d, want 200", len(repo.MergeRequests))
	}

	seen := make(map[int]bool)
	for _, r := range repo.MergeRequests {
		if seen[r.IID] {
			t.Fatalf("duplicate record !%d", r.IID)
		}
		seen[r.IID] = true

		if r.Additions != 2 || r.Deletions != 1 {
			t.Errorf("!%d stats = (%d, %d), want (2, 1)", r.IID, r.Additions, r.Deletions)
		}
		if len(r.Commenters) != 1 || r.Commenters[0].Username != "reviewer" {
			t.Errorf("!%d commenters = %+v", r.IID, r.Commenters)
		}
		if len(r.Approvers) != 1 || r.Approvers[0].Username != "reviewer" {
			t.Errorf("!%d approvers = %+v", r.IID, r.Approvers)
		}
	}
}

func TestRun_DetailFailureIsContained(t *testing.T) {
	mock := testutil.NewMockGitLab()
	defer mock.Close()
	mock.AddProject("acme/api", testutil.GenerateMergeRequests(10, time.Now(), time.Hour))
	mock.FailNext(testutil.NotesPath("acme/api", 5), http.StatusNotFound)

	sink := &memorySink{}
	h := newHarvester(t, mock, sink, 10, nil)
	snapshot := output.NewSnapshot("run-1", nil, time.Now())

	results, err := h.Run(context.Background(), snapshot, []config.Repository{repository(t, mock, "acme/api")})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if results[0].Degraded != 1 {
		t.Errorf("Degraded = %d, want 1", results[0].Degraded)
	}

	repo := snapshot.Repositories[0]
	if len(repo.MergeRequests) != 10 || repo.DegradedCount != 1 {
		t.Fatalf("records = %d, degraded = %d", len(repo.MergeRequests), repo.DegradedCount)
	}
	for _, r := range repo.MergeRequests {
		if r.IID == 5 {
			if !r.Degraded || r.Additions != 0 || len(r.Commenters) != 0 || len(r.Approvers) != 0 {
				t.Errorf("failed record = %+v, want safe defaults", r)
			}
			continue
		}
		if r.Degraded || r.Additions != 2 {
			t.Errorf("!%d affected by another record's failure: %+v", r.IID, r)
		}
	}
}

func TestRun_IssuePriority(t *testing.T) {
	mrs := testutil.GenerateMergeRequests(3, time.Now(), time.Hour)
	mrs[0].Title = "PROJ-1: fix login"
	mrs[1].Title = "OPS-9 tidy up"
	mock := testutil.NewMockGitLab()
	defer mock.Close()
	mock.AddProject("acme/api", mrs)

	h := newHarvester(t, mock, &memorySink{}, 10, fixedPriority{"PROJ-1": "Critical"})
	snapshot := output.NewSnapshot("run-1", nil, time.Now())

	if _, err := h.Run(context.Background(), snapshot, []config.Repository{repository(t, mock, "acme/api")}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	byIID := make(map[int]forge.Record)
	for _, r := range snapshot.Repositories[0].MergeRequests {
		byIID[r.IID] = r
	}

	if r := byIID[1]; r.JiraKey == nil || *r.JiraKey != "PROJ-1" || r.JiraPriority == nil || *r.JiraPriority != "Critical" {
		t.Errorf("!1 issue = %v / %v", r.JiraKey, r.JiraPriority)
	}
	if r := byIID[2]; r.JiraKey == nil || *r.JiraKey != "OPS-9" || r.JiraPriority != nil {
		t.Errorf("!2 issue = %v / %v, want key without priority", r.JiraKey, r.JiraPriority)
	}
	if r := byIID[3]; r.JiraKey != nil || r.JiraPriority != nil {
		t.Errorf("!3 issue = %v / %v, want none", r.JiraKey, r.JiraPriority)
	}
}

func TestRun_InterruptBetweenRepositories(t *testing.T) {
	mock := testutil.NewMockGitLab()
	defer mock.Close()
	mock.AddProject("acme/api", testutil.GenerateMergeRequests(5, time.Now(), time.Hour))
	mock.AddProject("acme/web", testutil.GenerateMergeRequests(5, time.Now(), time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &memorySink{onWrite: cancel}

	h := newHarvester(t, mock, sink, 10, nil)
	snapshot := output.NewSnapshot("run-1", nil, time.Now())
	repos := []config.Repository{repository(t, mock, "acme/api"), repository(t, mock, "acme/web")}

	results, err := h.Run(ctx, snapshot, repos)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Run() error = %v, want ErrInterrupted", err)
	}
	if len(results) != 1 || len(snapshot.Repositories) != 1 {
		t.Fatalf("completed %d repositories, want 1", len(snapshot.Repositories))
	}
	if mock.PathCount(testutil.MergeRequestsPath("acme/web")) != 0 {
		t.Error("second repository was listed after the interrupt")
	}
	if len(sink.flushes) != 2 || sink.flushes[1] != 1 {
		t.Errorf("flushes = %v, want a final flush of the completed repository", sink.flushes)
	}
}

func TestRun_InterruptDuringLastRepository(t *testing.T) {
	mock := testutil.NewMockGitLab()
	defer mock.Close()
	mock.AddProject("acme/api", testutil.GenerateMergeRequests(5, time.Now(), time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel once the listing is served, while details are still pending.
	listing := testutil.MergeRequestsPath("acme/api")
	mock.OnRequest(func(r *http.Request) {
		if r.URL.Path == listing {
			cancel()
		}
	})

	sink := &memorySink{}
	h := newHarvester(t, mock, sink, 10, nil)
	snapshot := output.NewSnapshot("run-1", nil, time.Now())

	results, err := h.Run(ctx, snapshot, []config.Repository{repository(t, mock, "acme/api")})
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Run() error = %v, want ErrInterrupted", err)
	}
	if len(results) != 1 || results[0].Records != 5 || results[0].Degraded != 0 {
		t.Fatalf("results = %+v, want the in-flight repository completed", results)
	}
	if len(snapshot.Repositories) != 1 {
		t.Fatalf("snapshot holds %d repositories, want 1", len(snapshot.Repositories))
	}
	if len(sink.flushes) == 0 || sink.flushes[len(sink.flushes)-1] != 1 {
		t.Errorf("flushes = %v, want a final flush of the completed repository", sink.flushes)
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	mock := testutil.NewMockGitLab()
	defer mock.Close()
	mock.AddProject("acme/api", testutil.GenerateMergeRequests(5, time.Now(), time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := &memorySink{}

	h := newHarvester(t, mock, sink, 10, nil)
	_, err := h.Run(ctx, output.NewSnapshot("run-1", nil, time.Now()), []config.Repository{repository(t, mock, "acme/api")})
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Run() error = %v, want ErrInterrupted", err)
	}
	if mock.RequestCount() != 0 {
		t.Errorf("requests = %d, want none", mock.RequestCount())
	}
	if len(sink.flushes) != 1 || sink.flushes[0] != 0 {
		t.Errorf("flushes = %v, want one empty snapshot", sink.flushes)
	}
}

func TestRun_ListingFailureSkipsRepository(t *testing.T) {
	mock := testutil.NewMockGitLab()
	defer mock.Close()
	mock.AddProject("acme/web", testutil.GenerateMergeRequests(3, time.Now(), time.Hour))

	sink := &memorySink{}
	h := newHarvester(t, mock, sink, 10, nil)
	snapshot := output.NewSnapshot("run-1", nil, time.Now())
	repos := []config.Repository{repository(t, mock, "acme/missing"), repository(t, mock, "acme/web")}

	results, err := h.Run(context.Background(), snapshot, repos)
	if err == nil || !strings.Contains(err.Error(), "1 of 2 repositories failed") {
		t.Fatalf("Run() error = %v, want one failed repository", err)
	}
	if len(results) != 2 || results[0].Err == nil || results[1].Err != nil {
		t.Fatalf("results = %+v", results)
	}
	if len(snapshot.Repositories) != 1 || snapshot.Repositories[0].FullPath != "acme/web" {
		t.Errorf("snapshot repositories = %+v", snapshot.Repositories)
	}
	if len(sink.flushes) != 1 {
		t.Errorf("flushes = %v, want one", sink.flushes)
	}
}
