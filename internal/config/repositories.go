// Package config loads the repositories file, the run settings and the
// forge credentials.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/Sternrassler/review-harvester/internal/forge"
	"gopkg.in/yaml.v3"
)

// DefaultTeam owns repositories listed under the legacy top-level
// "repositories" key.
const DefaultTeam = "default"

// ErrNoRepositories is returned when the repositories file lists nothing.
var ErrNoRepositories = errors.New("no repositories configured")

// Entry is one repository of the file: either a bare URL or a mapping.
type Entry struct {
	URL         string   `yaml:"url"`
	SkipScoring []string `yaml:"skip_scoring"`
	Forge       string   `yaml:"forge"`
}

// UnmarshalYAML accepts a scalar URL or a {url, skip_scoring, forge} mapping.
func (e *Entry) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		e.URL = strings.TrimSpace(node.Value)
		return nil
	case yaml.MappingNode:
		type plain Entry
		var p plain
		if err := node.Decode(&p); err != nil {
			return err
		}
		*e = Entry(p)
		e.URL = strings.TrimSpace(e.URL)
		return nil
	default:
		return fmt.Errorf("line %d: repository must be a url or a mapping", node.Line)
	}
}

// File is the raw repositories file.
type File struct {
	Teams        map[string][]Entry `yaml:"teams"`
	Repositories []Entry            `yaml:"repositories"`
	Bots         []string           `yaml:"bots"`
}

// Repository is a configured repository with every team that lists it.
type Repository struct {
	forge.Repository
	Teams       []string
	SkipScoring []string
}

// Repositories is the resolved content of the repositories file.
type Repositories struct {
	// Teams is every team name, sorted.
	Teams []string
	// Repos lists each repository once, by team name then file order.
	Repos []Repository
	Bots  []string
}

// Kinds returns the set of forges the repositories use.
func (r *Repositories) Kinds() map[forge.Kind]bool {
	kinds := make(map[forge.Kind]bool)
	for _, repo := range r.Repos {
		kinds[repo.Kind] = true
	}
	return kinds
}

// LoadRepositories reads and resolves the repositories file at path.
func LoadRepositories(path string) (*Repositories, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read repositories file: %w", err)
	}
	repos, err := ParseRepositories(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return repos, nil
}

// ParseRepositories resolves repositories file content. Legacy entries
// belong to DefaultTeam; teams are walked in name order.
func ParseRepositories(data []byte) (*Repositories, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse repositories: %w", err)
	}

	teams := make(map[string][]Entry, len(f.Teams)+1)
	for name, entries := range f.Teams {
		teams[name] = entries
	}
	if len(f.Repositories) > 0 {
		teams[DefaultTeam] = append(f.Repositories, teams[DefaultTeam]...)
	}

	names := make([]string, 0, len(teams))
	for name := range teams {
		names = append(names, name)
	}
	sort.Strings(names)

	out := &Repositories{Teams: names, Bots: f.Bots}
	index := make(map[string]int)

	for _, team := range names {
		for _, e := range teams[team] {
			if e.URL == "" {
				return nil, fmt.Errorf("team %q: repository without url", team)
			}
			kind, err := forge.ParseKind(e.Forge)
			if err != nil {
				return nil, fmt.Errorf("team %q: %w", team, err)
			}
			repo, err := forge.ParseRepository(e.URL, kind)
			if err != nil {
				return nil, fmt.Errorf("team %q: %w", team, err)
			}

			key := strings.ToLower(repo.URL)
			if i, ok := index[key]; ok {
				existing := &out.Repos[i]
				existing.Teams = appendUnique(existing.Teams, team)
				existing.SkipScoring = appendUnique(existing.SkipScoring, e.SkipScoring...)
				continue
			}

			index[key] = len(out.Repos)
			out.Repos = append(out.Repos, Repository{
				Repository:  repo,
				Teams:       []string{team},
				SkipScoring: appendUnique([]string{}, e.SkipScoring...),
			})
		}
	}

	if len(out.Repos) == 0 {
		return nil, ErrNoRepositories
	}
	return out, nil
}

func appendUnique(list []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, existing := range list {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			list = append(list, v)
		}
	}
	return list
}
