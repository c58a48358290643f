package testutil

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockGitHub serves the subset of the GitHub REST API used for harvesting.
// Listings paginate with Link headers.
type MockGitHub struct {
	*Server

	mu    sync.RWMutex
	repos map[string][]MergeRequest
}

// NewMockGitHub creates a mock GitHub API.
func NewMockGitHub() *MockGitHub {
	m := &MockGitHub{
		Server: NewServer(),
		repos:  make(map[string][]MergeRequest),
	}
	m.setFallback(m.handle)
	return m
}

// AddRepository registers the pull requests of "owner/name".
func (m *MockGitHub) AddRepository(fullName string, prs []MergeRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repos[fullName] = prs
}

// PullsPath returns the listing path of a repository.
func PullsPath(fullName string) string {
	return "/repos/" + fullName + "/pulls"
}

func (m *MockGitHub) handle(w http.ResponseWriter, r *http.Request) {
	// /repos/{owner}/{name}/{pulls|issues}[/{number}[/{comments|reviews}]]
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "repos" {
		WriteJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	fullName := parts[1] + "/" + parts[2]

	m.mu.RLock()
	prs, ok := m.repos[fullName]
	m.mu.RUnlock()
	if !ok {
		WriteJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}

	w.Header().Set("X-RateLimit-Limit", "5000")
	w.Header().Set("X-RateLimit-Remaining", "4999")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))

	if len(parts) == 4 && parts[3] == "pulls" {
		m.list(w, r, prs)
		return
	}
	if len(parts) < 5 {
		WriteJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}

	number, err := strconv.Atoi(parts[4])
	if err != nil {
		WriteJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	pr, ok := findMergeRequest(prs, number)
	if !ok {
		WriteJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}

	switch {
	case len(parts) == 5 && parts[3] == "pulls":
		body := m.pull(fullName, pr)
		body["additions"] = pr.Additions
		body["deletions"] = pr.Deletions
		body["merged"] = pr.State == "merged"
		WriteJSON(w, http.StatusOK, body)
	case len(parts) == 6 && parts[3] == "issues" && parts[5] == "comments":
		m.comments(w, r, pr.IID, 1, pr.Notes)
	case len(parts) == 6 && parts[3] == "pulls" && parts[5] == "comments":
		m.comments(w, r, pr.IID, 2, pr.ReviewComments)
	case len(parts) == 6 && parts[3] == "pulls" && parts[5] == "reviews":
		reviews := make([]map[string]any, 0, len(pr.Approvers))
		for i, a := range pr.Approvers {
			reviews = append(reviews, map[string]any{
				"id":    int64(pr.IID*1000 + i),
				"state": "APPROVED",
				"user":  githubUser(a, false),
			})
		}
		m.paginate(w, r, reviews)
	default:
		WriteJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	}
}

func (m *MockGitHub) list(w http.ResponseWriter, r *http.Request, prs []MergeRequest) {
	fullName := strings.Join(strings.Split(strings.Trim(r.URL.Path, "/"), "/")[1:3], "/")
	body := make([]map[string]any, 0, len(prs))
	for _, pr := range newestFirst(prs) {
		body = append(body, m.pull(fullName, pr))
	}
	m.paginate(w, r, body)
}

func (m *MockGitHub) pull(fullName string, pr MergeRequest) map[string]any {
	state := "open"
	var mergedAt any
	switch pr.State {
	case "merged":
		state = "closed"
		mergedAt = pr.CreatedAt.Add(time.Hour).Format(time.RFC3339)
	case "closed":
		state = "closed"
	}
	return map[string]any{
		"number":     pr.IID,
		"title":      pr.Title,
		"body":       pr.Description,
		"state":      state,
		"created_at": pr.CreatedAt.Format(time.RFC3339),
		"updated_at": pr.CreatedAt.Add(2 * time.Hour).Format(time.RFC3339),
		"merged_at":  mergedAt,
		"html_url":   fmt.Sprintf("https://github.com/%s/pull/%d", fullName, pr.IID),
		"user":       githubUser(pr.Author, pr.AuthorBot),
	}
}

func (m *MockGitHub) comments(w http.ResponseWriter, r *http.Request, number, kind int, notes []Note) {
	body := make([]map[string]any, 0, len(notes))
	for i, n := range notes {
		body = append(body, map[string]any{
			"id":   int64(number*10000 + kind*1000 + i),
			"body": "comment",
			"user": githubUser(n.Author, n.Bot),
		})
	}
	m.paginate(w, r, body)
}

// paginate writes one page of items with a Link header announcing the next.
func (m *MockGitHub) paginate(w http.ResponseWriter, r *http.Request, items []map[string]any) {
	q := r.URL.Query()
	page := queryInt(q, "page", 1)
	perPage := queryInt(q, "per_page", 30)
	if perPage > 100 {
		perPage = 100
	}

	start, end, more := pageBounds(len(items), page, perPage)
	if more {
		next := *r.URL
		nq := next.Query()
		nq.Set("page", strconv.Itoa(page+1))
		nq.Set("per_page", strconv.Itoa(perPage))
		next.RawQuery = nq.Encode()
		w.Header().Set("Link", fmt.Sprintf(`<%s%s>; rel="next"`, m.URL(), next.RequestURI()))
	}
	WriteJSON(w, http.StatusOK, items[start:end])
}

func githubUser(login string, bot bool) map[string]any {
	if login == "" {
		return nil
	}
	kind := "User"
	if bot {
		kind = "Bot"
	}
	return map[string]any{
		"login":      login,
		"avatar_url": "https://avatars.example/" + login,
		"type":       kind,
	}
}
