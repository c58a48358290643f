// Command review-harvester collects merge requests and their review activity
// from GitLab and GitHub into a JSON snapshot.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/review-harvester/internal/config"
	"github.com/Sternrassler/review-harvester/internal/forge"
	"github.com/Sternrassler/review-harvester/internal/harvest"
	"github.com/Sternrassler/review-harvester/internal/jira"
	"github.com/Sternrassler/review-harvester/internal/output"
	"github.com/Sternrassler/review-harvester/internal/report"
	"github.com/Sternrassler/review-harvester/pkg/cache"
	"github.com/Sternrassler/review-harvester/pkg/client"
	"github.com/Sternrassler/review-harvester/pkg/logging"
	"github.com/Sternrassler/review-harvester/pkg/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/oauth2"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

func main() {
	ctx, stop := interruptContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Getenv, os.Stderr)
	stop()
	os.Exit(code)
}

// interruptContext is cancelled by the first of sigs. Signal handling is
// then released, so a second signal terminates the process even while the
// repository in flight waits for quota.
func interruptContext(parent context.Context, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, sigs...)
	context.AfterFunc(ctx, stop)
	return ctx, stop
}

// execute runs the command line and maps its outcome to an exit code.
func execute(ctx context.Context, args []string, getenv func(string) string, stderr io.Writer) int {
	cmd := newRootCommand(getenv, stderr)
	cmd.SetArgs(args)
	cmd.SetOut(stderr)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, harvest.ErrInterrupted):
		return exitInterrupted
	default:
		return exitFailure
	}
}

func newRootCommand(getenv func(string) string, stderr io.Writer) *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:           "review-harvester",
		Short:         "Harvest merge requests and review activity from GitLab and GitHub",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := config.LoadSettings(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), settings, config.CredentialsFromEnv(getenv), stderr)
		},
	}

	registerFlags(cmd, v)
	return cmd
}

func registerFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.StringP(config.KeyConfig, "c", v.GetString(config.KeyConfig), "repositories file (YAML)")
	f.StringP(config.KeyOutput, "o", v.GetString(config.KeyOutput), "snapshot output file (JSON)")
	f.IntP(config.KeyLimit, "n", v.GetInt(config.KeyLimit), "records to list per repository")
	f.IntP(config.KeyWorkers, "w", v.GetInt(config.KeyWorkers), "concurrent detail fetches per repository")
	f.String(config.KeyLogLevel, v.GetString(config.KeyLogLevel), "log level (debug, info, warn, error)")
	f.Bool(config.KeyLogPretty, v.GetBool(config.KeyLogPretty), "human-readable console logs")
	f.String(config.KeyRedisURL, v.GetString(config.KeyRedisURL), "Redis URL of the revalidation cache; empty disables it")
	f.Duration(config.KeyCacheTTL, v.GetDuration(config.KeyCacheTTL), "retention of cached responses")
	f.Float64(config.KeyRequestsPerSecond, v.GetFloat64(config.KeyRequestsPerSecond), "requests per second per host; 0 disables pacing")
	f.String(config.KeyMetricsAddr, v.GetString(config.KeyMetricsAddr), "serve Prometheus metrics on this address during the run")
	f.String(config.KeyGitLabURL, v.GetString(config.KeyGitLabURL), "GitLab instance")
	f.String(config.KeyGitHubURL, v.GetString(config.KeyGitHubURL), "GitHub REST endpoint")
	f.String(config.KeyJiraURL, v.GetString(config.KeyJiraURL), "Jira instance for issue priorities")
	f.Int(config.KeyWindowTarget, v.GetInt(config.KeyWindowTarget), "records a listing window should hold")
	f.Float64(config.KeyWindowFactor, v.GetFloat64(config.KeyWindowFactor), "widening factor of the window estimate")
	f.Duration(config.KeyWindowMin, v.GetDuration(config.KeyWindowMin), "narrowest listing window")
	f.Int(config.KeyWindowMaxEmpty, v.GetInt(config.KeyWindowMaxEmpty), "consecutive empty windows before a listing stops")
	f.Int(config.KeyWindowMaxShifts, v.GetInt(config.KeyWindowMaxShifts), "window shifts allowed per listing")

	// Flags are registered from the same keys, so binding cannot fail.
	_ = v.BindPFlags(f)
}

func run(ctx context.Context, s config.Settings, creds config.Credentials, stderr io.Writer) error {
	level, err := logging.ParseLevel(s.LogLevel)
	if err != nil {
		return err
	}
	runID := uuid.NewString()
	logger := logging.Setup(logging.Config{
		Level:  level,
		Pretty: s.LogPretty,
		Output: stderr,
		RunID:  runID,
	})
	ctx = logger.WithContext(ctx)

	repos, err := config.LoadRepositories(s.ConfigPath)
	if err != nil {
		return err
	}
	kinds := repos.Kinds()
	if err := creds.Validate(kinds); err != nil {
		return err
	}

	var store *cache.Manager
	if s.RedisURL != "" {
		rdb, err := connectRedis(ctx, s.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		store = cache.NewManager(rdb, s.CacheTTL)
		logger.Info().Dur("ttl", store.TTL()).Msg("Response cache enabled")
	}

	bots := forge.NewBots(repos.Bots)
	forges := make(map[forge.Kind]forge.Forge, len(kinds))
	if kinds[forge.GitLab] {
		c, err := newHostClient(s, s.GitLabURL, gitlabHeaders(creds.GitLabToken), store, logger)
		if err != nil {
			return err
		}
		forges[forge.GitLab] = forge.NewGitLab(c, s.GitLabURL, bots, s.Window)
	}
	if kinds[forge.GitHub] {
		c, err := newHostClient(s, s.GitHubURL, nil, store, logger)
		if err != nil {
			return err
		}
		httpClient := &http.Client{Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.GitHubToken}),
			Base:   c,
		}}
		gh, err := forge.NewGitHub(httpClient, s.GitHubURL, bots)
		if err != nil {
			return err
		}
		forges[forge.GitHub] = gh
	}

	cfg := harvest.Config{
		Forges:  forges,
		Sink:    output.NewFileWriter(s.OutputPath),
		Limit:   s.Limit,
		Workers: s.Workers,
		Logger:  logger,
	}
	if creds.JiraToken == "" {
		logger.Warn().Msgf("%s is not set - issue priorities are disabled", config.EnvJiraToken)
	} else {
		jc, err := newJiraClient(s, logger)
		if err != nil {
			return err
		}
		cfg.Priority = jira.New(s.JiraURL, creds.JiraToken, jc, logger)
	}

	h, err := harvest.New(cfg)
	if err != nil {
		return err
	}

	if s.MetricsAddr != "" {
		srv, err := metrics.Start(s.MetricsAddr, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info().
		Int("repositories", len(repos.Repos)).
		Strs("teams", repos.Teams).
		Int("limit", s.Limit).
		Int("workers", s.Workers).
		Msg("Starting harvest")

	snapshot := output.NewSnapshot(runID, repos.Teams, time.Now())
	results, runErr := h.Run(ctx, snapshot, repos.Repos)

	if err := report.Write(stderr, results); err != nil {
		logger.Warn().Err(err).Msg("Failed to write summary")
	}
	logger.Info().
		Int("records", snapshot.RecordCount()).
		Str("output", s.OutputPath).
		Msg("Harvest finished")
	return runErr
}

// newHostClient builds the throttled, retrying transport of one forge host.
func newHostClient(s config.Settings, baseURL string, headers http.Header, store *cache.Manager, logger zerolog.Logger) (*client.Client, error) {
	host, err := hostOf(baseURL)
	if err != nil {
		return nil, err
	}
	cfg := client.DefaultConfig(host)
	cfg.Headers = headers
	cfg.RequestsPerSecond = s.RequestsPerSecond
	cfg.Cache = store
	cfg.Logger = logger
	return client.New(cfg)
}

// newJiraClient retries Jira lookups briefly; a miss only leaves the
// priority empty.
func newJiraClient(s config.Settings, logger zerolog.Logger) (*client.Client, error) {
	host, err := hostOf(s.JiraURL)
	if err != nil {
		return nil, err
	}
	cfg := client.DefaultConfig(host)
	cfg.Policy.MaxAttempts = 2
	cfg.Logger = logger
	return client.New(cfg)
}

func gitlabHeaders(token string) http.Header {
	h := make(http.Header)
	h.Set("PRIVATE-TOKEN", token)
	return h
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return u.Host, nil
}

func connectRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	zerolog.Ctx(ctx).Info().Str("addr", opts.Addr).Msg("Connected to Redis")
	return rdb, nil
}
