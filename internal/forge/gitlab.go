package forge

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/review-harvester/pkg/client"
	"github.com/Sternrassler/review-harvester/pkg/pagination"
)

// DefaultGitLabURL is the instance used when none is configured.
const DefaultGitLabURL = "https://gitlab.com"

const maxPerPage = 100

type glUser struct {
	Username  string `json:"username"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	Bot       bool   `json:"bot"`
}

type glMergeRequest struct {
	IID         int        `json:"iid"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	State       string     `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	MergedAt    *time.Time `json:"merged_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	WebURL      string     `json:"web_url"`
	Author      *glUser    `json:"author"`
}

type glNote struct {
	ID     int     `json:"id"`
	System bool    `json:"system"`
	Author *glUser `json:"author"`
}

type glChanges struct {
	Changes []struct {
		Diff string `json:"diff"`
	} `json:"changes"`
}

type glApprovals struct {
	ApprovedBy []struct {
		User *glUser `json:"user"`
	} `json:"approved_by"`
}

// GitLabForge talks to the GitLab REST API v4. Listings use the window
// paginator because GitLab fails on deep page offsets.
type GitLabForge struct {
	client *client.Client
	api    string
	bots   Bots
	window pagination.WindowConfig
}

// NewGitLab creates a GitLab forge for the instance at baseURL (e.g.
// "https://gitlab.com"). c must carry the PRIVATE-TOKEN header.
func NewGitLab(c *client.Client, baseURL string, bots Bots, window pagination.WindowConfig) *GitLabForge {
	if baseURL == "" {
		baseURL = DefaultGitLabURL
	}
	return &GitLabForge{
		client: c,
		api:    strings.TrimRight(baseURL, "/") + "/api/v4",
		bots:   bots,
		window: window,
	}
}

// Kind implements Forge.
func (g *GitLabForge) Kind() Kind { return GitLab }

func (g *GitLabForge) project(repo Repository) string {
	return g.api + "/projects/" + url.PathEscape(repo.Path)
}

// List implements Forge.
func (g *GitLabForge) List(ctx context.Context, repo Repository, limit int) ([]Record, error) {
	endpoint := g.project(repo) + "/merge_requests"
	perPage := maxPerPage
	if limit > 0 && limit < perPage {
		perPage = limit
	}

	p := pagination.WindowPaginator[Record]{
		Fetch: func(ctx context.Context, w pagination.Window) (pagination.Page[Record], error) {
			q := url.Values{}
			q.Set("state", "all")
			q.Set("order_by", "created_at")
			q.Set("sort", "desc")
			q.Set("per_page", strconv.Itoa(perPage))
			q.Set("page", strconv.Itoa(w.Page))
			if !w.CreatedBefore.IsZero() {
				q.Set("created_before", w.CreatedBefore.UTC().Format(time.RFC3339))
			}
			if !w.CreatedAfter.IsZero() {
				q.Set("created_after", w.CreatedAfter.UTC().Format(time.RFC3339))
			}

			var raw []glMergeRequest
			headers, err := g.client.GetJSON(ctx, endpoint+"?"+q.Encode(), &raw)
			if err != nil {
				return pagination.Page[Record]{}, err
			}

			records := make([]Record, 0, len(raw))
			for _, mr := range raw {
				records = append(records, g.normalize(mr))
			}
			return pagination.Page[Record]{Items: records, Next: nextPage(headers)}, nil
		},
		Key:     func(r Record) int { return r.IID },
		Accept:  func(r Record) bool { return !r.bot },
		Created: func(r Record) time.Time { return r.CreatedAt },
		Config:  g.window,
	}

	return p.Collect(ctx, limit)
}

func (g *GitLabForge) normalize(mr glMergeRequest) Record {
	r := Record{
		IID:       mr.IID,
		Title:     mr.Title,
		State:     gitlabState(mr.State, mr.MergedAt),
		CreatedAt: mr.CreatedAt,
		MergedAt:  mr.MergedAt,
		UpdatedAt: mr.UpdatedAt,
		WebURL:    mr.WebURL,
		Author:    g.user(mr.Author),
	}
	r.bot = g.isBot(mr.Author)
	r.applyDescription(mr.Description)
	return r
}

// gitlabState folds "locked" (an open MR mid-merge) into opened.
func gitlabState(state string, mergedAt *time.Time) State {
	switch {
	case state == "merged" || mergedAt != nil:
		return StateMerged
	case state == "closed":
		return StateClosed
	default:
		return StateOpened
	}
}

func (g *GitLabForge) user(u *glUser) User {
	if u == nil {
		return newUser("", "", "")
	}
	return newUser(u.Username, u.Name, u.AvatarURL)
}

func (g *GitLabForge) isBot(u *glUser) bool {
	return u != nil && (u.Bot || g.bots.Contains(u.Username))
}

// FetchDiff implements Forge by counting lines of the unified diffs.
func (g *GitLabForge) FetchDiff(ctx context.Context, repo Repository, iid int) (int, int, error) {
	var changes glChanges
	endpoint := fmt.Sprintf("%s/merge_requests/%d/changes", g.project(repo), iid)
	if _, err := g.client.GetJSON(ctx, endpoint, &changes); err != nil {
		return 0, 0, fmt.Errorf("fetch changes of !%d: %w", iid, err)
	}

	var additions, deletions int
	for _, c := range changes.Changes {
		a, d := CountDiffLines(c.Diff)
		additions += a
		deletions += d
	}
	return additions, deletions, nil
}

// CountDiffLines counts added and removed lines of a unified diff, ignoring
// the "+++"/"---" file headers.
func CountDiffLines(diff string) (additions, deletions int) {
	scanner := bufio.NewScanner(strings.NewReader(diff))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			additions++
		case strings.HasPrefix(line, "-"):
			deletions++
		}
	}
	return additions, deletions
}

// FetchComments implements Forge. System notes and bot notes are skipped.
func (g *GitLabForge) FetchComments(ctx context.Context, repo Repository, iid int) ([]Commenter, error) {
	endpoint := fmt.Sprintf("%s/merge_requests/%d/notes", g.project(repo), iid)

	p := pagination.Paginator[glNote]{
		Fetch: func(ctx context.Context, page int) (pagination.Page[glNote], error) {
			var notes []glNote
			headers, err := g.client.GetJSON(ctx, fmt.Sprintf("%s?per_page=%d&page=%d", endpoint, maxPerPage, page), &notes)
			if err != nil {
				return pagination.Page[glNote]{}, err
			}
			return pagination.Page[glNote]{Items: notes, Next: nextPage(headers)}, nil
		},
		Key:    func(n glNote) int { return n.ID },
		Accept: func(n glNote) bool { return !n.System && !g.isBot(n.Author) },
	}

	notes, err := p.Collect(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch notes of !%d: %w", iid, err)
	}

	t := newTally()
	for _, n := range notes {
		t.add(g.user(n.Author))
	}
	return t.list(), nil
}

// FetchApprovals implements Forge.
func (g *GitLabForge) FetchApprovals(ctx context.Context, repo Repository, iid int) ([]User, error) {
	var approvals glApprovals
	endpoint := fmt.Sprintf("%s/merge_requests/%d/approvals", g.project(repo), iid)
	if _, err := g.client.GetJSON(ctx, endpoint, &approvals); err != nil {
		return nil, fmt.Errorf("fetch approvals of !%d: %w", iid, err)
	}

	approvers := make([]User, 0, len(approvals.ApprovedBy))
	for _, a := range approvals.ApprovedBy {
		if g.isBot(a.User) {
			continue
		}
		approvers = append(approvers, g.user(a.User))
	}
	return approvers, nil
}

// nextPage reads GitLab's X-Next-Page header; 0 means last page.
func nextPage(h http.Header) int {
	n, err := strconv.Atoi(strings.TrimSpace(h.Get("X-Next-Page")))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
