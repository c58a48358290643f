// Package output holds the snapshot written at the end of every repository
// and the writer that persists it.
package output

import (
	"sort"
	"time"

	"github.com/Sternrassler/review-harvester/internal/config"
	"github.com/Sternrassler/review-harvester/internal/forge"
)

// Snapshot is the consolidated result of one run.
type Snapshot struct {
	GeneratedAt  time.Time    `json:"generated_at"`
	RunID        string       `json:"run_id"`
	Teams        []string     `json:"teams"`
	Repositories []Repository `json:"repositories"`
}

// Repository is the harvested content of one configured repository.
type Repository struct {
	Name          string         `json:"name"`
	FullPath      string         `json:"full_path"`
	WebURL        string         `json:"web_url"`
	Forge         forge.Kind     `json:"forge"`
	Teams         []string       `json:"teams"`
	SkipScoring   []string       `json:"skip_scoring"`
	MergeRequests []forge.Record `json:"merge_requests"`
	DegradedCount int            `json:"degraded_count"`
}

// NewSnapshot starts an empty snapshot. Teams are copied and sorted.
func NewSnapshot(runID string, teams []string, now time.Time) *Snapshot {
	sorted := append([]string{}, teams...)
	sort.Strings(sorted)
	return &Snapshot{
		GeneratedAt:  now.UTC().Truncate(time.Second),
		RunID:        runID,
		Teams:        sorted,
		Repositories: []Repository{},
	}
}

// NewRepository builds the output of repo from its enriched records.
func NewRepository(repo config.Repository, records []forge.Record) Repository {
	if records == nil {
		records = []forge.Record{}
	}
	degraded := 0
	for _, r := range records {
		if r.Degraded {
			degraded++
		}
	}

	skip := repo.SkipScoring
	if skip == nil {
		skip = []string{}
	}
	return Repository{
		Name:          repo.Name(),
		FullPath:      repo.Path,
		WebURL:        repo.URL,
		Forge:         repo.Kind,
		Teams:         append([]string{}, repo.Teams...),
		SkipScoring:   skip,
		MergeRequests: records,
		DegradedCount: degraded,
	}
}

// Add appends a completed repository.
func (s *Snapshot) Add(repo Repository) {
	s.Repositories = append(s.Repositories, repo)
}

// RecordCount returns the number of records across all repositories.
func (s *Snapshot) RecordCount() int {
	n := 0
	for _, r := range s.Repositories {
		n += len(r.MergeRequests)
	}
	return n
}
