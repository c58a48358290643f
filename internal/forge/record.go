package forge

import (
	"time"

	"github.com/Sternrassler/review-harvester/internal/coauthor"
)

// State is the canonical merge request state.
type State string

const (
	StateOpened State = "opened"
	StateMerged State = "merged"
	StateClosed State = "closed"
)

// User is an account as shown in the snapshot.
type User struct {
	Username  string `json:"username"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// Commenter is a user with the number of comments they left on one record.
type Commenter struct {
	User
	Count int `json:"count"`
}

// Record is a merge or pull request normalized across forges. It is created
// by a listing and enriched in place by exactly one detail fetch.
type Record struct {
	IID          int               `json:"iid"`
	Title        string            `json:"title"`
	State        State             `json:"state"`
	CreatedAt    time.Time         `json:"created_at"`
	MergedAt     *time.Time        `json:"merged_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	WebURL       string            `json:"web_url"`
	Author       User              `json:"author"`
	AICoAuthored bool              `json:"ai_coauthored"`
	CoAuthors    []coauthor.Person `json:"coauthors"`
	Additions    int               `json:"additions"`
	Deletions    int               `json:"deletions"`
	Commenters   []Commenter       `json:"commenters"`
	Approvers    []User            `json:"approvers"`
	JiraKey      *string           `json:"jira_key"`
	JiraPriority *string           `json:"jira_priority"`
	Degraded     bool              `json:"degraded,omitempty"`

	bot bool
}

// Degrade resets every detail field to its safe default.
func (r *Record) Degrade() {
	r.Additions = 0
	r.Deletions = 0
	r.Commenters = []Commenter{}
	r.Approvers = []User{}
	r.JiraKey = nil
	r.JiraPriority = nil
	r.Degraded = true
}

// newUser applies the defaults used for deleted or anonymous accounts.
func newUser(username, name, avatarURL string) User {
	if username == "" {
		username = "unknown"
	}
	if name == "" {
		name = "Unknown"
	}
	return User{Username: username, Name: name, AvatarURL: avatarURL}
}

// applyDescription derives the co-author fields from a description.
func (r *Record) applyDescription(text string) {
	c := coauthor.Classify(text)
	r.AICoAuthored = c.AICoAuthored
	r.CoAuthors = c.Humans
	if r.CoAuthors == nil {
		r.CoAuthors = []coauthor.Person{}
	}
}

// tally counts comments per author, keeping first-seen order.
type tally struct {
	order []string
	by    map[string]*Commenter
}

func newTally() *tally {
	return &tally{by: make(map[string]*Commenter)}
}

func (t *tally) add(u User) {
	if c, ok := t.by[u.Username]; ok {
		c.Count++
		return
	}
	t.by[u.Username] = &Commenter{User: u, Count: 1}
	t.order = append(t.order, u.Username)
}

func (t *tally) list() []Commenter {
	out := make([]Commenter, 0, len(t.order))
	for _, username := range t.order {
		out = append(out, *t.by[username])
	}
	return out
}
