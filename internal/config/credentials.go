package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/Sternrassler/review-harvester/internal/forge"
)

// Credential environment variables.
const (
	EnvGitLabToken = "GITLAB_TOKEN"
	EnvGitHubToken = "GITHUB_TOKEN"
	EnvJiraToken   = "JIRA_API_TOKEN"
)

// ErrMissingCredential is returned when a configured forge has no token.
var ErrMissingCredential = errors.New("missing credential")

// Credentials are the tokens read from the environment.
type Credentials struct {
	GitLabToken string
	GitHubToken string
	// JiraToken is optional; empty disables priority lookups.
	JiraToken string
}

// CredentialsFromEnv reads the tokens with getenv (os.Getenv when nil).
func CredentialsFromEnv(getenv func(string) string) Credentials {
	if getenv == nil {
		getenv = os.Getenv
	}
	return Credentials{
		GitLabToken: getenv(EnvGitLabToken),
		GitHubToken: getenv(EnvGitHubToken),
		JiraToken:   getenv(EnvJiraToken),
	}
}

// Validate requires a token for every forge in kinds.
func (c Credentials) Validate(kinds map[forge.Kind]bool) error {
	if kinds[forge.GitLab] && c.GitLabToken == "" {
		return fmt.Errorf("%w: %s is not set", ErrMissingCredential, EnvGitLabToken)
	}
	if kinds[forge.GitHub] && c.GitHubToken == "" {
		return fmt.Errorf("%w: %s is not set", ErrMissingCredential, EnvGitHubToken)
	}
	return nil
}
