package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const gitlabPrefix = "/api/v4/projects/"

// MockGitLab serves the subset of the GitLab REST API v4 used for harvesting.
type MockGitLab struct {
	*Server

	mu        sync.RWMutex
	projects  map[string][]MergeRequest
	maxOffset int
	etags     bool
}

// NewMockGitLab creates a mock GitLab instance.
func NewMockGitLab() *MockGitLab {
	m := &MockGitLab{
		Server:   NewServer(),
		projects: make(map[string][]MergeRequest),
	}
	m.setFallback(m.handle)
	return m
}

// AddProject registers the merge requests of a project path ("group/name").
func (m *MockGitLab) AddProject(path string, mrs []MergeRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[path] = mrs
}

// SetMaxOffset makes listing pages starting at or beyond offset fail with
// 500, like GitLab does for deep offsets on large projects. Zero disables.
func (m *MockGitLab) SetMaxOffset(offset int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxOffset = offset
}

// EnableETags makes successful responses carry a content ETag and answers
// a matching If-None-Match with 304 Not Modified.
func (m *MockGitLab) EnableETags() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.etags = true
}

// ProjectURL returns the web URL of a project path.
func (m *MockGitLab) ProjectURL(path string) string {
	return m.URL() + "/" + path
}

// MergeRequestsPath returns the decoded listing path of a project, for use
// with FailNext and PathCount.
func MergeRequestsPath(project string) string {
	return gitlabPrefix + project + "/merge_requests"
}

// NotesPath returns the decoded notes path of one merge request.
func NotesPath(project string, iid int) string {
	return fmt.Sprintf("%s%s/merge_requests/%d/notes", gitlabPrefix, project, iid)
}

func (m *MockGitLab) handle(w http.ResponseWriter, r *http.Request) {
	escaped := r.URL.EscapedPath()
	if !strings.HasPrefix(escaped, gitlabPrefix) {
		WriteJSON(w, http.StatusNotFound, map[string]string{"message": "404 Not Found"})
		return
	}
	parts := strings.Split(strings.TrimPrefix(escaped, gitlabPrefix), "/")
	project, err := url.PathUnescape(parts[0])
	if err != nil || len(parts) < 2 || parts[1] != "merge_requests" {
		WriteJSON(w, http.StatusNotFound, map[string]string{"message": "404 Not Found"})
		return
	}

	m.mu.RLock()
	mrs, ok := m.projects[project]
	maxOffset := m.maxOffset
	m.mu.RUnlock()
	if !ok {
		WriteJSON(w, http.StatusNotFound, map[string]string{"message": "404 Project Not Found"})
		return
	}

	w.Header().Set("RateLimit-Limit", "2000")
	w.Header().Set("RateLimit-Remaining", "1999")
	w.Header().Set("RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))

	if len(parts) == 2 {
		m.list(w, r, project, mrs, maxOffset)
		return
	}

	iid, err := strconv.Atoi(parts[2])
	if err != nil || len(parts) != 4 {
		WriteJSON(w, http.StatusNotFound, map[string]string{"message": "404 Not Found"})
		return
	}
	mr, ok := findMergeRequest(mrs, iid)
	if !ok {
		WriteJSON(w, http.StatusNotFound, map[string]string{"message": "404 Not found"})
		return
	}

	switch parts[3] {
	case "changes":
		m.ok(w, r, map[string]any{
			"changes": []map[string]string{{"diff": mr.Diff}},
		})
	case "notes":
		m.notes(w, r, mr)
	case "approvals":
		approved := make([]map[string]any, 0, len(mr.Approvers))
		for _, a := range mr.Approvers {
			approved = append(approved, map[string]any{"user": gitlabUser(a, false)})
		}
		m.ok(w, r, map[string]any{"approved_by": approved})
	default:
		WriteJSON(w, http.StatusNotFound, map[string]string{"message": "404 Not Found"})
	}
}

func (m *MockGitLab) list(w http.ResponseWriter, r *http.Request, project string, mrs []MergeRequest, maxOffset int) {
	q := r.URL.Query()
	page := queryInt(q, "page", 1)
	perPage := queryInt(q, "per_page", 20)
	if perPage > 100 {
		perPage = 100
	}

	if maxOffset > 0 && (page-1)*perPage >= maxOffset {
		WriteJSON(w, http.StatusInternalServerError, map[string]string{"message": "500 Internal Server Error"})
		return
	}

	before, _ := time.Parse(time.RFC3339, q.Get("created_before"))
	after, _ := time.Parse(time.RFC3339, q.Get("created_after"))

	var filtered []MergeRequest
	for _, mr := range newestFirst(mrs) {
		if !before.IsZero() && mr.CreatedAt.After(before) {
			continue
		}
		if !after.IsZero() && mr.CreatedAt.Before(after) {
			continue
		}
		filtered = append(filtered, mr)
	}

	start, end, more := pageBounds(len(filtered), page, perPage)
	body := make([]map[string]any, 0, end-start)
	for _, mr := range filtered[start:end] {
		var mergedAt any
		if mr.State == "merged" {
			mergedAt = mr.CreatedAt.Add(time.Hour).Format(time.RFC3339)
		}
		body = append(body, map[string]any{
			"iid":         mr.IID,
			"title":       mr.Title,
			"description": mr.Description,
			"state":       mr.State,
			"created_at":  mr.CreatedAt.Format(time.RFC3339),
			"merged_at":   mergedAt,
			"updated_at":  mr.CreatedAt.Add(2 * time.Hour).Format(time.RFC3339),
			"web_url":     fmt.Sprintf("%s/%s/-/merge_requests/%d", m.URL(), project, mr.IID),
			"author":      gitlabUser(mr.Author, mr.AuthorBot),
		})
	}

	w.Header().Set("X-Page", strconv.Itoa(page))
	w.Header().Set("X-Per-Page", strconv.Itoa(perPage))
	w.Header().Set("X-Total", strconv.Itoa(len(filtered)))
	if more {
		w.Header().Set("X-Next-Page", strconv.Itoa(page+1))
	} else {
		w.Header().Set("X-Next-Page", "")
	}
	m.ok(w, r, body)
}

func (m *MockGitLab) notes(w http.ResponseWriter, r *http.Request, mr MergeRequest) {
	q := r.URL.Query()
	page := queryInt(q, "page", 1)
	perPage := queryInt(q, "per_page", 20)

	start, end, more := pageBounds(len(mr.Notes), page, perPage)
	body := make([]map[string]any, 0, end-start)
	for i := start; i < end; i++ {
		n := mr.Notes[i]
		body = append(body, map[string]any{
			"id":     mr.IID*1000 + i,
			"body":   "comment",
			"system": n.System,
			"author": gitlabUser(n.Author, n.Bot),
		})
	}
	if more {
		w.Header().Set("X-Next-Page", strconv.Itoa(page+1))
	}
	m.ok(w, r, body)
}

// ok writes a 200 response, or 304 when ETags are enabled and the client
// already holds the current body.
func (m *MockGitLab) ok(w http.ResponseWriter, r *http.Request, v any) {
	m.mu.RLock()
	etags := m.etags
	m.mu.RUnlock()
	if !etags {
		WriteJSON(w, http.StatusOK, v)
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		WriteJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	sum := sha256.Sum256(data)
	etag := `W/"` + hex.EncodeToString(sum[:8]) + `"`

	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func gitlabUser(username string, bot bool) map[string]any {
	if username == "" {
		return nil
	}
	return map[string]any{
		"username":   username,
		"name":       strings.ToUpper(username[:1]) + username[1:],
		"avatar_url": "https://avatars.example/" + username,
		"bot":        bot,
	}
}

func queryInt(q url.Values, key string, fallback int) int {
	n, err := strconv.Atoi(q.Get(key))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
