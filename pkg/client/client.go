// Package client provides the HTTP transport shared by every forge call: quota
// throttling, retries, optional request pacing and ETag revalidation.
package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/review-harvester/pkg/cache"
	"github.com/Sternrassler/review-harvester/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Prometheus metrics for forge requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_requests_total",
		Help: "Total forge requests by host and status",
	}, []string{"host", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_request_duration_seconds",
		Help:    "Forge request duration in seconds by host",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"host"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_errors_total",
		Help: "Total forge errors by class",
	}, []string{"class"})
)

// ErrorClass represents a classification of failed forge calls.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 and quota-related 403 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassCancelled represents a cancelled or expired context.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// Config holds the client configuration.
type Config struct {
	// Host labels logs and metrics (e.g. "gitlab.com").
	Host string

	// Transport performs the actual exchange. Defaults to a clone of
	// http.DefaultTransport.
	Transport http.RoundTripper

	// Timeout bounds the wait for response headers of one attempt.
	Timeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string

	// Headers are added to every request (e.g. PRIVATE-TOKEN).
	Headers http.Header

	// Policy is the retry policy applied to every call.
	Policy Policy

	// RequestsPerSecond paces requests when positive.
	RequestsPerSecond float64
	Burst             int

	// Cache enables ETag revalidation when set.
	Cache *cache.Manager

	// PollInterval is the quota wait slice; zero keeps the tracker default.
	PollInterval time.Duration

	Logger zerolog.Logger
}

// DefaultConfig returns a safe default configuration for host.
func DefaultConfig(host string) Config {
	return Config{
		Host:      host,
		Timeout:   30 * time.Second,
		UserAgent: "review-harvester",
		Policy:    DefaultPolicy(),
		Burst:     1,
		Logger:    log.Logger,
	}
}

// Client is an http.RoundTripper that applies the quota throttle, the retry
// policy, pacing and revalidation to each request. One Client serves one host
// and is safe for concurrent use.
type Client struct {
	host    string
	base    http.RoundTripper
	headers http.Header
	agent   string
	policy  Policy
	tracker *ratelimit.Tracker
	limiter *rate.Limiter
	cache   *cache.Manager
	logger  zerolog.Logger
}

// New creates a new forge client.
func New(cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.Policy.MaxAttempts <= 0 {
		return nil, fmt.Errorf("policy max attempts must be positive (got %d)", cfg.Policy.MaxAttempts)
	}

	logger := cfg.Logger.With().Str("component", "forge-client").Str("host", cfg.Host).Logger()

	base := cfg.Transport
	if base == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = cfg.Timeout
		base = transport
	}

	tracker := ratelimit.NewTracker(cfg.Host, logger)
	if cfg.PollInterval > 0 {
		tracker.SetPollInterval(cfg.PollInterval)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		host:    cfg.Host,
		base:    base,
		headers: cfg.Headers.Clone(),
		agent:   cfg.UserAgent,
		policy:  cfg.Policy,
		tracker: tracker,
		limiter: limiter,
		cache:   cfg.Cache,
		logger:  logger,
	}, nil
}

// Host returns the host this client serves.
func (c *Client) Host() string {
	return c.host
}

// Tracker returns the quota tracker of this host.
func (c *Client) Tracker() *ratelimit.Tracker {
	return c.tracker
}

// HTTPClient returns an *http.Client using c as its transport.
func (c *Client) HTTPClient() *http.Client {
	return &http.Client{Transport: c}
}

// RoundTrip implements http.RoundTripper.
func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := c.logger.WithContext(req.Context())

	var (
		key   cache.CacheKey
		entry *cache.CacheEntry
	)
	cacheable := c.cache != nil && req.Method == http.MethodGet
	if cacheable {
		key = c.cacheKey(req)
		cached, err := c.cache.Get(ctx, key)
		switch {
		case err == nil:
			entry = cached
		case err != cache.ErrCacheMiss:
			c.logger.Warn().Err(err).Str("endpoint", req.URL.Path).Msg("Cache get error")
		}
	}

	resp, err := Do(ctx, c.policy, func(ctx context.Context) (*http.Response, error) {
		return c.attempt(ctx, req, entry)
	})
	if err != nil {
		return nil, err
	}

	if !cacheable {
		return resp, nil
	}

	if resp.StatusCode == http.StatusNotModified && entry != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		cache.NotModifiedResponses.Inc()
		if err := c.cache.Touch(ctx, key); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to refresh cache TTL")
		}
		c.logger.Debug().Str("endpoint", req.URL.Path).Msg("304 Not Modified - using cache")
		return cache.EntryToResponse(entry, req, resp.Header), nil
	}

	if resp.StatusCode == http.StatusOK && resp.Header.Get("ETag") != "" {
		fresh, err := cache.ResponseToEntry(resp)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to create cache entry")
		} else if err := c.cache.Set(ctx, key, fresh); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache response")
		}
	}

	return resp, nil
}

// attempt performs one exchange: wait for quota, pace, send, record headers.
func (c *Client) attempt(ctx context.Context, req *http.Request, entry *cache.CacheEntry) (*http.Response, error) {
	if err := c.tracker.WaitIfNeeded(ctx); err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	out := req.Clone(ctx)
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		out.Body = body
	}
	c.decorate(out)
	if cache.ShouldMakeConditionalRequest(entry) {
		cache.AddConditionalHeaders(out, entry)
		cache.ConditionalRequestsSent.Inc()
	}

	c.logger.Debug().
		Str("endpoint", out.URL.Path).
		Str("method", out.Method).
		Msg("Executing forge request")

	start := time.Now()
	resp, err := c.base.RoundTrip(out)
	requestDuration.WithLabelValues(c.host).Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() == nil {
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			requestsTotal.WithLabelValues(c.host, "network_error").Inc()
		}
		return nil, err
	}

	c.tracker.Observe(resp.Header)
	requestsTotal.WithLabelValues(c.host, strconv.Itoa(resp.StatusCode)).Inc()
	if resp.StatusCode >= 400 {
		errorsTotal.WithLabelValues(string(ClassifyResponse(resp, nil))).Inc()
	}

	return resp, nil
}

func (c *Client) decorate(req *http.Request) {
	for k, v := range c.headers {
		req.Header[k] = append([]string(nil), v...)
	}
	if c.agent != "" {
		req.Header.Set("User-Agent", c.agent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
}

// cacheKey scopes the entry to the credential so that tokens with different
// visibility never share responses.
func (c *Client) cacheKey(req *http.Request) cache.CacheKey {
	h := sha256.New()
	h.Write([]byte(req.Header.Get("Authorization")))
	h.Write([]byte{0})
	h.Write([]byte(c.headers.Get("PRIVATE-TOKEN")))
	h.Write([]byte{0})
	h.Write([]byte(c.headers.Get("Authorization")))

	return cache.CacheKey{
		Host:        req.URL.Host,
		Endpoint:    req.URL.EscapedPath(),
		QueryParams: req.URL.Query(),
		Principal:   hex.EncodeToString(h.Sum(nil)[:8]),
	}
}

// GetJSON fetches rawURL and decodes the JSON body into v. Responses with a
// status of 400 or above are returned as *HostError. The response headers are
// returned for pagination.
func (c *Client) GetJSON(ctx context.Context, rawURL string, v any) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := CheckResponse(resp); err != nil {
		return resp.Header, err
	}

	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return resp.Header, fmt.Errorf("decode %s: %w", req.URL.Path, err)
		}
	}
	return resp.Header, nil
}

// CheckResponse returns a *HostError for responses with status 400 or above.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	class := ClassifyResponse(resp, nil)
	hostErr := newHostError(resp, nil, class)

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxPeekBytes))
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		switch {
		case payload.Message != "":
			hostErr.Message = payload.Message
		case payload.Error != "":
			hostErr.Message = payload.Error
		}
	}
	return hostErr
}
