// Package harvest drives a run: list each repository, enrich every record
// with a bounded worker pool and flush the snapshot after each repository.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/review-harvester/internal/config"
	"github.com/Sternrassler/review-harvester/internal/forge"
	"github.com/Sternrassler/review-harvester/internal/jira"
	"github.com/Sternrassler/review-harvester/internal/output"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Prometheus metrics for harvest runs.
var (
	recordsHarvested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_records_total",
		Help: "Total records harvested by forge",
	}, []string{"forge"})

	recordsDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_records_degraded_total",
		Help: "Total records whose detail fetch failed, by forge",
	}, []string{"forge"})

	repositoryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_repository_duration_seconds",
		Help:    "Time to list and enrich one repository",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900},
	}, []string{"forge"})
)

// ErrInterrupted is returned when a run stopped before every repository was
// processed because its context was cancelled.
var ErrInterrupted = errors.New("harvest interrupted")

// PriorityLookup resolves the priority of an issue key. It never fails;
// false means unknown.
type PriorityLookup interface {
	Priority(ctx context.Context, key string) (string, bool)
}

// Sink persists the snapshot after each repository.
type Sink interface {
	Write(snapshot *output.Snapshot) error
}

// Config configures a Harvester.
type Config struct {
	Forges map[forge.Kind]forge.Forge

	// Priority is optional; nil disables issue priority lookups.
	Priority PriorityLookup

	Sink    Sink
	Limit   int
	Workers int
	Logger  zerolog.Logger
}

// Result summarizes one repository of a run.
type Result struct {
	Repository config.Repository
	Records    int
	Degraded   int
	Duration   time.Duration
	Err        error
}

// Harvester runs harvests. It is not safe for concurrent Runs.
type Harvester struct {
	forges   map[forge.Kind]forge.Forge
	priority PriorityLookup
	sink     Sink
	limit    int
	workers  int
	logger   zerolog.Logger
}

// New creates a harvester.
func New(cfg Config) (*Harvester, error) {
	if len(cfg.Forges) == 0 {
		return nil, fmt.Errorf("at least one forge is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive (got %d)", cfg.Workers)
	}

	return &Harvester{
		forges:   cfg.Forges,
		priority: cfg.Priority,
		sink:     cfg.Sink,
		limit:    cfg.Limit,
		workers:  cfg.Workers,
		logger:   cfg.Logger.With().Str("component", "harvester").Logger(),
	}, nil
}

// Run harvests repos into snapshot, writing it to the sink after each
// repository. Cancelling ctx stops the run between repositories: the
// repository in progress is completed and flushed, and ErrInterrupted is
// returned, also when the cancelled repository was the last one. Repositories whose listing fails are skipped and reported in
// the returned error once the remaining ones are done.
func (h *Harvester) Run(ctx context.Context, snapshot *output.Snapshot, repos []config.Repository) ([]Result, error) {
	results := make([]Result, 0, len(repos))
	var failures []error

	for i, repo := range repos {
		if ctx.Err() != nil {
			h.logger.Warn().
				Int("completed", i).
				Int("total", len(repos)).
				Msg("Run interrupted - flushing partial snapshot")
			if err := h.sink.Write(snapshot); err != nil {
				return results, fmt.Errorf("flush partial snapshot: %w", err)
			}
			return results, ErrInterrupted
		}

		// In-flight work is never cut short; cancellation only stops the
		// next repository from starting.
		result := h.harvestRepository(context.WithoutCancel(ctx), snapshot, repo)
		results = append(results, result)
		if result.Err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", repo.URL, result.Err))
			continue
		}

		if err := h.sink.Write(snapshot); err != nil {
			return results, fmt.Errorf("flush snapshot: %w", err)
		}
	}

	// The interrupt arrived while the last repository was in flight.
	if ctx.Err() != nil {
		h.logger.Warn().
			Int("completed", len(repos)).
			Int("total", len(repos)).
			Msg("Run interrupted after the last repository - flushing snapshot")
		if err := h.sink.Write(snapshot); err != nil {
			return results, fmt.Errorf("flush partial snapshot: %w", err)
		}
		return results, ErrInterrupted
	}

	if len(failures) > 0 {
		return results, fmt.Errorf("%d of %d repositories failed: %w", len(failures), len(repos), errors.Join(failures...))
	}
	return results, nil
}

func (h *Harvester) harvestRepository(ctx context.Context, snapshot *output.Snapshot, repo config.Repository) Result {
	start := time.Now()
	result := Result{Repository: repo}
	logger := h.logger.With().
		Str("repo", repo.Path).
		Str("forge", string(repo.Kind)).
		Logger()
	ctx = logger.WithContext(ctx)

	f, ok := h.forges[repo.Kind]
	if !ok {
		result.Err = fmt.Errorf("no %s forge configured", repo.Kind)
		logger.Error().Err(result.Err).Msg("Skipping repository")
		return result
	}

	logger.Info().Int("limit", h.limit).Msg("Listing merge requests")
	records, err := f.List(ctx, repo.Repository, h.limit)
	if err != nil {
		result.Err = fmt.Errorf("list merge requests: %w", err)
		logger.Error().Err(err).Msg("Listing failed - skipping repository")
		return result
	}
	logger.Info().Int("records", len(records)).Msg("Listing complete - fetching details")

	result.Degraded = h.enrichAll(ctx, f, repo, records)
	result.Records = len(records)
	result.Duration = time.Since(start)

	snapshot.Add(output.NewRepository(repo, records))

	recordsHarvested.WithLabelValues(string(repo.Kind)).Add(float64(len(records)))
	repositoryDuration.WithLabelValues(string(repo.Kind)).Observe(result.Duration.Seconds())

	logger.Info().
		Int("records", result.Records).
		Int("degraded", result.Degraded).
		Dur("duration", result.Duration).
		Msg("Repository harvested")
	return result
}

// enrichAll runs one detail task per record on the worker pool and returns
// the number of degraded records. Each task owns exactly one record.
func (h *Harvester) enrichAll(ctx context.Context, f forge.Forge, repo config.Repository, records []forge.Record) int {
	var (
		g        errgroup.Group
		done     atomic.Int64
		degraded atomic.Int64
	)
	g.SetLimit(h.workers)

	step := int64(len(records) / 10)
	if step < 1 {
		step = 1
	}
	logger := zerolog.Ctx(ctx)

	for i := range records {
		record := &records[i]
		g.Go(func() error {
			if !h.enrich(ctx, f, repo, record) {
				degraded.Add(1)
			}
			if n := done.Add(1); n%step == 0 || n == int64(len(records)) {
				logger.Debug().
					Int64("done", n).
					Int("total", len(records)).
					Msg("Detail fetch progress")
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(degraded.Load())
}

// enrich fills the detail fields of r. On failure r is degraded to safe
// defaults and false is returned.
func (h *Harvester) enrich(ctx context.Context, f forge.Forge, repo config.Repository, r *forge.Record) bool {
	logger := zerolog.Ctx(ctx).With().Int("iid", r.IID).Logger()

	fail := func(stage string, err error) bool {
		r.Degrade()
		recordsDegraded.WithLabelValues(string(repo.Kind)).Inc()
		logger.Warn().
			Err(err).
			Str("stage", stage).
			Msg("Detail fetch failed - record degraded")
		return false
	}

	additions, deletions, err := f.FetchDiff(ctx, repo.Repository, r.IID)
	if err != nil {
		return fail("diff", err)
	}
	commenters, err := f.FetchComments(ctx, repo.Repository, r.IID)
	if err != nil {
		return fail("comments", err)
	}
	approvers, err := f.FetchApprovals(ctx, repo.Repository, r.IID)
	if err != nil {
		return fail("approvals", err)
	}

	r.Additions = additions
	r.Deletions = deletions
	r.Commenters = commenters
	r.Approvers = approvers
	r.JiraKey = nil
	r.JiraPriority = nil

	if key, ok := jira.ExtractKey(r.Title); ok {
		r.JiraKey = &key
		if h.priority != nil {
			if priority, ok := h.priority.Priority(ctx, key); ok {
				r.JiraPriority = &priority
			}
		}
	}

	logger.Debug().
		Int("additions", additions).
		Int("deletions", deletions).
		Int("commenters", len(commenters)).
		Int("approvers", len(approvers)).
		Msg("Record enriched")
	return true
}
