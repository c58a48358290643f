// Package forge normalizes GitLab merge requests and GitHub pull requests
// into one record shape behind a shared capability interface.
package forge

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Kind identifies a forge API surface.
type Kind string

const (
	GitLab Kind = "gitlab"
	GitHub Kind = "github"
)

// ParseKind validates a forge name; the empty string is allowed and means
// "infer from the host".
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "", GitLab, GitHub:
		return k, nil
	default:
		return "", fmt.Errorf("unknown forge %q (want gitlab or github)", s)
	}
}

// Forge is implemented once per host API.
type Forge interface {
	Kind() Kind

	// List returns up to limit records, newest first, bots excluded.
	List(ctx context.Context, repo Repository, limit int) ([]Record, error)

	FetchDiff(ctx context.Context, repo Repository, iid int) (additions, deletions int, err error)
	FetchComments(ctx context.Context, repo Repository, iid int) ([]Commenter, error)
	FetchApprovals(ctx context.Context, repo Repository, iid int) ([]User, error)
}

// Repository is a configured project on a forge.
type Repository struct {
	URL  string
	Kind Kind
	Host string
	// Path is "group/sub/project" on GitLab and "owner/name" on GitHub.
	Path string
}

// ParseRepository derives the forge and project path from a web URL. kind
// overrides host-based detection, which only recognizes hosts whose name
// contains "gitlab" or "github".
func ParseRepository(rawURL string, kind Kind) (Repository, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Repository{}, fmt.Errorf("parse repository url %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return Repository{}, fmt.Errorf("repository url %q has no host", rawURL)
	}

	path := strings.Trim(u.Path, "/")
	if i := strings.Index(path, "/-/"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimSuffix(path, ".git")
	if path == "" {
		return Repository{}, fmt.Errorf("repository url %q has no project path", rawURL)
	}

	if kind == "" {
		host := strings.ToLower(u.Hostname())
		switch {
		case strings.Contains(host, "github"):
			kind = GitHub
		case strings.Contains(host, "gitlab"):
			kind = GitLab
		default:
			return Repository{}, fmt.Errorf("cannot infer forge for %q; set forge explicitly", rawURL)
		}
	}

	if kind == GitHub && strings.Count(path, "/") != 1 {
		return Repository{}, fmt.Errorf("github repository url %q must be owner/name", rawURL)
	}

	return Repository{
		URL:  strings.TrimSuffix(u.Scheme+"://"+u.Host+"/"+path, "/"),
		Kind: kind,
		Host: u.Host,
		Path: path,
	}, nil
}

// Name returns the last path segment.
func (r Repository) Name() string {
	return r.Path[strings.LastIndexByte(r.Path, '/')+1:]
}

// Owner returns everything before the last path segment.
func (r Repository) Owner() string {
	if i := strings.LastIndexByte(r.Path, '/'); i >= 0 {
		return r.Path[:i]
	}
	return ""
}

// Bots is a case-insensitive set of account names excluded from every listing.
type Bots map[string]struct{}

// NewBots builds a set from configured account names.
func NewBots(names []string) Bots {
	b := make(Bots, len(names))
	for _, n := range names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			b[n] = struct{}{}
		}
	}
	return b
}

// Contains reports whether username is a configured bot or a GitHub app
// account ("name[bot]").
func (b Bots) Contains(username string) bool {
	u := strings.ToLower(username)
	if strings.HasSuffix(u, "[bot]") {
		return true
	}
	_, ok := b[u]
	return ok
}
