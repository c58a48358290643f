package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/review-harvester/internal/forge"
	"github.com/Sternrassler/review-harvester/pkg/cache"
	"github.com/Sternrassler/review-harvester/pkg/pagination"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides of run settings
// (e.g. HARVEST_WORKERS).
const EnvPrefix = "HARVEST"

// Setting keys. They double as flag names.
const (
	KeyConfig            = "config"
	KeyOutput            = "output"
	KeyLimit             = "limit"
	KeyWorkers           = "workers"
	KeyLogLevel          = "log-level"
	KeyLogPretty         = "log-pretty"
	KeyRedisURL          = "redis-url"
	KeyCacheTTL          = "cache-ttl"
	KeyRequestsPerSecond = "requests-per-second"
	KeyMetricsAddr       = "metrics-addr"
	KeyGitLabURL         = "gitlab-url"
	KeyGitHubURL         = "github-url"
	KeyJiraURL           = "jira-url"
	KeyWindowTarget      = "window-target"
	KeyWindowFactor      = "window-factor"
	KeyWindowMin         = "window-min"
	KeyWindowMaxEmpty    = "window-max-empty"
	KeyWindowMaxShifts   = "window-max-shifts"
)

// DefaultJiraURL is the Jira instance queried for priorities.
const DefaultJiraURL = "https://issues.redhat.com"

// Settings are the options of one run.
type Settings struct {
	ConfigPath string
	OutputPath string

	// Limit bounds the records listed per repository.
	Limit   int
	Workers int

	LogLevel  string
	LogPretty bool

	// RedisURL enables the revalidation cache when set.
	RedisURL string
	CacheTTL time.Duration

	// RequestsPerSecond paces each host; zero disables pacing.
	RequestsPerSecond float64

	// MetricsAddr serves /metrics during the run when set.
	MetricsAddr string

	GitLabURL string
	GitHubURL string
	JiraURL   string

	Window pagination.WindowConfig
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers the default value of every setting.
func SetDefaults(v *viper.Viper) {
	window := pagination.DefaultWindowConfig()

	v.SetDefault(KeyConfig, "repos.yaml")
	v.SetDefault(KeyOutput, "data.json")
	v.SetDefault(KeyLimit, 20)
	v.SetDefault(KeyWorkers, 4)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogPretty, false)
	v.SetDefault(KeyRedisURL, "")
	v.SetDefault(KeyCacheTTL, cache.DefaultTTL)
	v.SetDefault(KeyRequestsPerSecond, 0.0)
	v.SetDefault(KeyMetricsAddr, "")
	v.SetDefault(KeyGitLabURL, forge.DefaultGitLabURL)
	v.SetDefault(KeyGitHubURL, forge.DefaultGitHubURL)
	v.SetDefault(KeyJiraURL, DefaultJiraURL)
	v.SetDefault(KeyWindowTarget, window.Target)
	v.SetDefault(KeyWindowFactor, window.Factor)
	v.SetDefault(KeyWindowMin, window.MinWidth)
	v.SetDefault(KeyWindowMaxEmpty, window.MaxEmptyWindows)
	v.SetDefault(KeyWindowMaxShifts, window.MaxShifts)
}

// LoadSettings reads and validates the settings held by v.
func LoadSettings(v *viper.Viper) (Settings, error) {
	s := Settings{
		ConfigPath:        v.GetString(KeyConfig),
		OutputPath:        v.GetString(KeyOutput),
		Limit:             v.GetInt(KeyLimit),
		Workers:           v.GetInt(KeyWorkers),
		LogLevel:          v.GetString(KeyLogLevel),
		LogPretty:         v.GetBool(KeyLogPretty),
		RedisURL:          v.GetString(KeyRedisURL),
		CacheTTL:          v.GetDuration(KeyCacheTTL),
		RequestsPerSecond: v.GetFloat64(KeyRequestsPerSecond),
		MetricsAddr:       v.GetString(KeyMetricsAddr),
		GitLabURL:         v.GetString(KeyGitLabURL),
		GitHubURL:         v.GetString(KeyGitHubURL),
		JiraURL:           v.GetString(KeyJiraURL),
		Window: pagination.WindowConfig{
			Target:          v.GetInt(KeyWindowTarget),
			Factor:          v.GetFloat64(KeyWindowFactor),
			MinWidth:        v.GetDuration(KeyWindowMin),
			MaxEmptyWindows: v.GetInt(KeyWindowMaxEmpty),
			MaxShifts:       v.GetInt(KeyWindowMaxShifts),
		},
	}

	switch {
	case s.Limit <= 0:
		return s, fmt.Errorf("%s must be positive (got %d)", KeyLimit, s.Limit)
	case s.Workers <= 0:
		return s, fmt.Errorf("%s must be positive (got %d)", KeyWorkers, s.Workers)
	case s.RequestsPerSecond < 0:
		return s, fmt.Errorf("%s must not be negative", KeyRequestsPerSecond)
	case s.ConfigPath == "":
		return s, fmt.Errorf("%s is required", KeyConfig)
	case s.OutputPath == "":
		return s, fmt.Errorf("%s is required", KeyOutput)
	}
	return s, nil
}
