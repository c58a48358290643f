package forge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Sternrassler/review-harvester/pkg/pagination"
	"github.com/google/go-github/v68/github"
)

// DefaultGitHubURL is the REST endpoint used when none is configured.
const DefaultGitHubURL = "https://api.github.com/"

// GitHubForge talks to the GitHub REST API through go-github. Quota and
// retries are handled by the transport of httpClient: its tracker holds
// requests back before the quota runs out.
type GitHubForge struct {
	gh   *github.Client
	bots Bots
}

// NewGitHub creates a GitHub forge. baseURL selects a GitHub Enterprise or
// test endpoint; empty means api.github.com.
func NewGitHub(httpClient *http.Client, baseURL string, bots Bots) (*GitHubForge, error) {
	gh := github.NewClient(httpClient)
	if baseURL != "" && baseURL != DefaultGitHubURL {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse github url %q: %w", baseURL, err)
		}
		gh.BaseURL = u
	}
	return &GitHubForge{gh: gh, bots: bots}, nil
}

// Kind implements Forge.
func (g *GitHubForge) Kind() Kind { return GitHub }

// waitOnQuota makes go-github sleep until the reset instead of failing
// locally after a response reported an exhausted quota.
func waitOnQuota(ctx context.Context) context.Context {
	return context.WithValue(ctx, github.SleepUntilPrimaryRateLimitResetWhenRateLimited, true)
}

// List implements Forge.
func (g *GitHubForge) List(ctx context.Context, repo Repository, limit int) ([]Record, error) {
	ctx = waitOnQuota(ctx)
	owner, name := repo.Owner(), repo.Name()
	perPage := maxPerPage
	if limit > 0 && limit < perPage {
		perPage = limit
	}

	p := pagination.Paginator[Record]{
		Fetch: func(ctx context.Context, page int) (pagination.Page[Record], error) {
			pulls, resp, err := g.gh.PullRequests.List(ctx, owner, name, &github.PullRequestListOptions{
				State:       "all",
				Sort:        "created",
				Direction:   "desc",
				ListOptions: github.ListOptions{Page: page, PerPage: perPage},
			})
			if err != nil {
				return pagination.Page[Record]{}, err
			}

			records := make([]Record, 0, len(pulls))
			for _, pr := range pulls {
				records = append(records, g.normalize(pr))
			}
			return pagination.Page[Record]{Items: records, Next: resp.NextPage}, nil
		},
		Key:     func(r Record) int { return r.IID },
		Accept:  func(r Record) bool { return !r.bot },
		Partial: true,
	}

	return p.Collect(ctx, limit)
}

func (g *GitHubForge) normalize(pr *github.PullRequest) Record {
	r := Record{
		IID:       pr.GetNumber(),
		Title:     pr.GetTitle(),
		State:     githubState(pr),
		CreatedAt: pr.GetCreatedAt().Time,
		UpdatedAt: pr.GetUpdatedAt().Time,
		WebURL:    pr.GetHTMLURL(),
		Author:    g.user(pr.GetUser()),
	}
	if pr.MergedAt != nil {
		merged := pr.MergedAt.Time
		r.MergedAt = &merged
	}
	r.bot = g.isBot(pr.GetUser())
	r.applyDescription(pr.GetBody())
	return r
}

func githubState(pr *github.PullRequest) State {
	switch {
	case pr.MergedAt != nil || pr.GetMerged():
		return StateMerged
	case pr.GetState() == "closed":
		return StateClosed
	default:
		return StateOpened
	}
}

func (g *GitHubForge) user(u *github.User) User {
	if u == nil {
		return newUser("", "", "")
	}
	// Listing payloads carry no display name.
	name := u.GetName()
	if name == "" {
		name = u.GetLogin()
	}
	return newUser(u.GetLogin(), name, u.GetAvatarURL())
}

func (g *GitHubForge) isBot(u *github.User) bool {
	return u != nil && (u.GetType() == "Bot" || g.bots.Contains(u.GetLogin()))
}

// FetchDiff implements Forge using the counters GitHub reports.
func (g *GitHubForge) FetchDiff(ctx context.Context, repo Repository, iid int) (int, int, error) {
	pr, _, err := g.gh.PullRequests.Get(waitOnQuota(ctx), repo.Owner(), repo.Name(), iid)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch pull request #%d: %w", iid, err)
	}
	return pr.GetAdditions(), pr.GetDeletions(), nil
}

// FetchComments implements Forge by merging conversation comments and
// inline review comments.
func (g *GitHubForge) FetchComments(ctx context.Context, repo Repository, iid int) ([]Commenter, error) {
	ctx = waitOnQuota(ctx)
	owner, name := repo.Owner(), repo.Name()
	t := newTally()

	issueComments := pagination.Paginator[*github.IssueComment]{
		Fetch: func(ctx context.Context, page int) (pagination.Page[*github.IssueComment], error) {
			comments, resp, err := g.gh.Issues.ListComments(ctx, owner, name, iid, &github.IssueListCommentsOptions{
				ListOptions: github.ListOptions{Page: page, PerPage: maxPerPage},
			})
			if err != nil {
				return pagination.Page[*github.IssueComment]{}, err
			}
			return pagination.Page[*github.IssueComment]{Items: comments, Next: resp.NextPage}, nil
		},
		Key:    func(c *github.IssueComment) int { return int(c.GetID()) },
		Accept: func(c *github.IssueComment) bool { return !g.isBot(c.GetUser()) },
	}
	comments, err := issueComments.Collect(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch comments of #%d: %w", iid, err)
	}
	for _, c := range comments {
		t.add(g.user(c.GetUser()))
	}

	reviewComments := pagination.Paginator[*github.PullRequestComment]{
		Fetch: func(ctx context.Context, page int) (pagination.Page[*github.PullRequestComment], error) {
			comments, resp, err := g.gh.PullRequests.ListComments(ctx, owner, name, iid, &github.PullRequestListCommentsOptions{
				ListOptions: github.ListOptions{Page: page, PerPage: maxPerPage},
			})
			if err != nil {
				return pagination.Page[*github.PullRequestComment]{}, err
			}
			return pagination.Page[*github.PullRequestComment]{Items: comments, Next: resp.NextPage}, nil
		},
		Key:    func(c *github.PullRequestComment) int { return int(c.GetID()) },
		Accept: func(c *github.PullRequestComment) bool { return !g.isBot(c.GetUser()) },
	}
	inline, err := reviewComments.Collect(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch review comments of #%d: %w", iid, err)
	}
	for _, c := range inline {
		t.add(g.user(c.GetUser()))
	}

	return t.list(), nil
}

// FetchApprovals implements Forge from reviews in the APPROVED state, one
// entry per reviewer.
func (g *GitHubForge) FetchApprovals(ctx context.Context, repo Repository, iid int) ([]User, error) {
	ctx = waitOnQuota(ctx)
	owner, name := repo.Owner(), repo.Name()

	p := pagination.Paginator[*github.PullRequestReview]{
		Fetch: func(ctx context.Context, page int) (pagination.Page[*github.PullRequestReview], error) {
			reviews, resp, err := g.gh.PullRequests.ListReviews(ctx, owner, name, iid, &github.ListOptions{Page: page, PerPage: maxPerPage})
			if err != nil {
				return pagination.Page[*github.PullRequestReview]{}, err
			}
			return pagination.Page[*github.PullRequestReview]{Items: reviews, Next: resp.NextPage}, nil
		},
		Key: func(r *github.PullRequestReview) int { return int(r.GetID()) },
		Accept: func(r *github.PullRequestReview) bool {
			return r.GetState() == "APPROVED" && !g.isBot(r.GetUser())
		},
	}
	reviews, err := p.Collect(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch reviews of #%d: %w", iid, err)
	}

	seen := make(map[string]struct{})
	approvers := make([]User, 0, len(reviews))
	for _, r := range reviews {
		u := g.user(r.GetUser())
		if _, dup := seen[u.Username]; dup {
			continue
		}
		seen[u.Username] = struct{}{}
		approvers = append(approvers, u)
	}
	return approvers, nil
}
