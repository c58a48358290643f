package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/review-harvester/pkg/ratelimit"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300, 900},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// maxPeekBytes bounds how much of a 403 body is inspected for rate-limit text.
const maxPeekBytes = 4096

// ClassifierFunc classifies the outcome of one attempt. An empty class means success.
type ClassifierFunc func(resp *http.Response, err error) ErrorClass

// WaitFunc computes the delay before the next attempt. fallback is the next
// value of the policy's exponential schedule.
type WaitFunc func(resp *http.Response, fallback time.Duration) time.Duration

// Policy describes how a single forge call is retried.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// Classify decides whether an attempt failed and how.
	Classify ClassifierFunc

	// Wait computes the delay before the next attempt.
	Wait WaitFunc

	// Backoff returns a fresh fallback schedule for one call.
	Backoff func() backoff.BackOff
}

// DefaultPolicy returns the policy used for forge calls: 5 attempts, waits
// taken from Retry-After or the quota reset when present, otherwise an
// exponential schedule from 2s doubling up to 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Classify:    ClassifyResponse,
		Wait:        HeaderWait,
		Backoff:     ExponentialBackoff(2*time.Second, 30*time.Second),
	}
}

// ExponentialBackoff returns a deterministic doubling schedule capped at max.
func ExponentialBackoff(initial, max time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = max
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
}

// Do executes call under policy p. Responses classified as non-retryable
// failures are handed back unchanged so the caller can inspect them; retryable
// failures are retried until MaxAttempts, after which an error wrapping
// ErrRetryExhausted and the last *HostError is returned. Logging goes to the
// logger carried by ctx.
func Do(ctx context.Context, p Policy, call func(ctx context.Context) (*http.Response, error)) (*http.Response, error) {
	logger := zerolog.Ctx(ctx)
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Classify == nil {
		p.Classify = ClassifyResponse
	}
	if p.Wait == nil {
		p.Wait = HeaderWait
	}

	var schedule backoff.BackOff
	if p.Backoff != nil {
		schedule = p.Backoff()
	}

	for attempt := 1; ; attempt++ {
		resp, err := call(ctx)
		errorClass := p.Classify(resp, err)

		if errorClass == "" {
			if attempt > 1 {
				logger.Info().
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return resp, nil
		}

		if !shouldRetry(errorClass) {
			if errorClass == ErrorClassCancelled {
				drain(resp)
				return nil, fmt.Errorf("%w: %w", ErrContextCancelled, err)
			}
			if err != nil {
				return nil, err
			}
			return resp, nil
		}

		lastErr := newHostError(resp, err, errorClass)

		if attempt >= p.MaxAttempts {
			drain(resp)
			retryExhaustedTotal.WithLabelValues(string(errorClass)).Inc()
			logger.Warn().
				Str("error_class", string(errorClass)).
				Int("max_attempts", p.MaxAttempts).
				Err(lastErr).
				Msg("Retry attempts exhausted")
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, lastErr)
		}

		var fallback time.Duration
		if schedule != nil {
			if next := schedule.NextBackOff(); next != backoff.Stop {
				fallback = next
			}
		}
		wait := p.Wait(resp, fallback)
		drain(resp)

		retriesTotal.WithLabelValues(string(errorClass)).Inc()
		retryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(wait.Seconds())

		logger.Warn().
			Str("error_class", string(errorClass)).
			Int("status", lastErr.StatusCode).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("Retrying request after backoff")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Warn().
				Str("error_class", string(errorClass)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return nil, fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}
}

// ClassifyResponse is the default classifier: network failures, 5xx and
// quota rejections (429, or 403 carrying quota signals) are retryable.
func ClassifyResponse(resp *http.Response, err error) ErrorClass {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ErrorClassCancelled
		}
		return ErrorClassNetwork
	}
	if resp == nil {
		return ErrorClassNetwork
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case resp.StatusCode == http.StatusForbidden && isQuotaRejection(resp):
		return ErrorClassRateLimit
	case resp.StatusCode >= 500:
		return ErrorClassServer
	case resp.StatusCode >= 400:
		return ErrorClassClient
	default:
		return ""
	}
}

// HeaderWait prefers an explicit Retry-After, then the quota reset when the
// response reports zero remaining requests, then the fallback schedule.
func HeaderWait(resp *http.Response, fallback time.Duration) time.Duration {
	if resp == nil {
		return fallback
	}
	if d, ok := RetryAfter(resp.Header, time.Now()); ok {
		return d
	}
	now := time.Now()
	q := ratelimit.ParseHeaders(resp.Header, now)
	if q.Remaining == 0 && q.ResetAt.After(now) {
		// One extra second absorbs clock skew between us and the forge.
		return q.ResetAt.Sub(now) + time.Second
	}
	return fallback
}

// RetryAfter parses the Retry-After header as seconds or as an HTTP date.
func RetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	value := strings.TrimSpace(h.Get("Retry-After"))
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

// isQuotaRejection reports whether a 403 is a primary or secondary rate limit.
func isQuotaRejection(resp *http.Response) bool {
	if resp.Header.Get("Retry-After") != "" {
		return true
	}
	q := ratelimit.ParseHeaders(resp.Header, time.Now())
	if q.Remaining == 0 {
		return true
	}
	body := peekBody(resp, maxPeekBytes)
	return bytes.Contains(bytes.ToLower(body), []byte("rate limit"))
}

// peekBody reads up to n bytes of the body and restores it for later readers.
func peekBody(resp *http.Response, n int64) []byte {
	if resp.Body == nil {
		return nil
	}
	head, err := io.ReadAll(io.LimitReader(resp.Body, n))
	if err != nil {
		return nil
	}
	resp.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), resp.Body), resp.Body}
	return head
}

func newHostError(resp *http.Response, err error, errorClass ErrorClass) *HostError {
	hostErr := &HostError{ErrorClass: errorClass, Err: err}
	if resp != nil {
		hostErr.StatusCode = resp.StatusCode
		hostErr.Message = resp.Status
		if resp.Request != nil && resp.Request.URL != nil {
			hostErr.Host = resp.Request.URL.Host
		}
		if d, ok := RetryAfter(resp.Header, time.Now()); ok {
			hostErr.RetryAfter = d
		}
	} else if err != nil {
		hostErr.Message = "request failed"
	}
	return hostErr
}

func drain(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPeekBytes))
		resp.Body.Close()
	}
}
