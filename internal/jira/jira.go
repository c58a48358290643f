// Package jira looks up the priority of issues referenced in merge request
// titles. Lookups are best effort: any failure reads as "no priority".
package jira

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

var lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "harvest_jira_lookups_total",
	Help: "Total Jira priority lookups by result",
}, []string{"result"})

var keyPattern = regexp.MustCompile(`[A-Z][A-Z0-9]+-\d+`)

// ExtractKey returns the first issue key (e.g. "PROJ-123") found in title.
func ExtractKey(title string) (string, bool) {
	key := keyPattern.FindString(title)
	return key, key != ""
}

// Client performs priority lookups against one Jira instance.
type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// New creates a client authenticating with a bearer token. base carries the
// requests; nil uses http.DefaultTransport.
func New(baseURL, token string, base http.RoundTripper, logger zerolog.Logger) *Client {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Transport: &oauth2.Transport{
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
				Base:   base,
			},
			Timeout: 15 * time.Second,
		},
		logger: logger.With().Str("component", "jira").Logger(),
	}
}

// Priority returns the priority name of issue key. A nil Client is a
// disabled lookup.
func (c *Client) Priority(ctx context.Context, key string) (string, bool) {
	if c == nil || key == "" {
		return "", false
	}

	endpoint := c.baseURL + "/rest/api/2/issue/" + url.PathEscape(key) + "?fields=priority"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return c.miss(key, "error", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.miss(key, "error", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Debug().Str("key", key).Int("status", resp.StatusCode).Msg("Jira lookup rejected")
		lookupsTotal.WithLabelValues("rejected").Inc()
		return "", false
	}

	var issue struct {
		Fields struct {
			Priority *struct {
				Name string `json:"name"`
			} `json:"priority"`
		} `json:"fields"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&issue); err != nil {
		return c.miss(key, "error", err)
	}
	if issue.Fields.Priority == nil || issue.Fields.Priority.Name == "" {
		lookupsTotal.WithLabelValues("none").Inc()
		return "", false
	}

	lookupsTotal.WithLabelValues("found").Inc()
	return issue.Fields.Priority.Name, true
}

func (c *Client) miss(key, result string, err error) (string, bool) {
	c.logger.Debug().Err(err).Str("key", key).Msg("Jira lookup failed")
	lookupsTotal.WithLabelValues(result).Inc()
	return "", false
}
