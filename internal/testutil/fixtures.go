package testutil

import (
	"fmt"
	"sort"
	"time"
)

// MergeRequest is a merge or pull request served by the mock forges.
type MergeRequest struct {
	IID         int
	Title       string
	Description string
	State       string // opened, merged or closed
	CreatedAt   time.Time
	Author      string
	AuthorBot   bool

	// Diff feeds the GitLab changes endpoint; Additions and Deletions the
	// GitHub pull request counters.
	Diff      string
	Additions int
	Deletions int

	Notes          []Note
	ReviewComments []Note
	Approvers      []string
}

// Note is a comment on a merge request.
type Note struct {
	Author string
	System bool
	Bot    bool
}

// DefaultDiff adds two lines and removes one.
const DefaultDiff = "--- a/main.go\n+++ b/main.go\n@@ -1,2 +1,3 @@\n+added\n-removed\n+added again\n"

// GenerateMergeRequests returns n merged fixtures with IIDs 1..n, one every
// step, the highest IID created at newest. Each carries one note and one
// approval by "reviewer".
func GenerateMergeRequests(n int, newest time.Time, step time.Duration) []MergeRequest {
	newest = newest.UTC().Truncate(time.Second)
	mrs := make([]MergeRequest, 0, n)
	for iid := 1; iid <= n; iid++ {
		mrs = append(mrs, MergeRequest{
			IID:       iid,
			Title:     fmt.Sprintf("Change %d", iid),
			State:     "merged",
			CreatedAt: newest.Add(-time.Duration(n-iid) * step),
			Author:    fmt.Sprintf("dev%d", iid%5),
			Diff:      DefaultDiff,
			Additions: 2,
			Deletions: 1,
			Notes:     []Note{{Author: "reviewer"}},
			Approvers: []string{"reviewer"},
		})
	}
	return mrs
}

// newestFirst sorts a copy of mrs by creation time, newest first.
func newestFirst(mrs []MergeRequest) []MergeRequest {
	out := append([]MergeRequest(nil), mrs...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].IID > out[j].IID
	})
	return out
}

func findMergeRequest(mrs []MergeRequest, iid int) (MergeRequest, bool) {
	for _, mr := range mrs {
		if mr.IID == iid {
			return mr, true
		}
	}
	return MergeRequest{}, false
}

// pageBounds returns the slice bounds of page (1-based) and whether another
// page follows.
func pageBounds(total, page, perPage int) (start, end int, more bool) {
	start = (page - 1) * perPage
	if start > total {
		start = total
	}
	end = start + perPage
	if end > total {
		end = total
	}
	return start, end, end < total
}
