// Package metrics serves the Prometheus metrics of a run.
// All metrics are defined in their respective packages (client, cache,
// ratelimit, harvest, jira) and registered via promauto.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the Prometheus registry every package registers with.
var Registry = prometheus.DefaultRegisterer

// Handler returns a mux exposing /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// Server exposes Handler on a TCP address while a run is in progress.
type Server struct {
	srv      *http.Server
	listener net.Listener
	done     chan struct{}
	logger   zerolog.Logger
}

// Start listens on addr (":0" picks a free port) and serves in the background.
func Start(addr string, logger zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	s := &Server{
		srv: &http.Server{
			Handler:           Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
		done:     make(chan struct{}),
		logger:   logger.With().Str("component", "metrics").Logger(),
	}

	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")
	return s, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops the server, waiting for open scrapes until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}

// Metrics Documentation
//
// Quota Metrics (pkg/ratelimit):
//   - harvest_quota_remaining{host} (Gauge): Requests remaining in the current quota window
//   - harvest_quota_waits_total{host} (Counter): Requests held back until the quota reset
//   - harvest_quota_wait_seconds_total{host} (Counter): Time spent waiting for quota resets
//
// Cache Metrics (pkg/cache):
//   - harvest_cache_hits_total{layer="redis"} (Counter): Cache hits by layer
//   - harvest_cache_misses_total (Counter): Cache misses
//   - harvest_cache_size_bytes{layer="redis"} (Gauge): Bytes written to the cache
//   - harvest_304_responses_total (Counter): 304 Not Modified responses served from cache
//   - harvest_conditional_requests_total (Counter): Requests sent with If-None-Match
//   - harvest_cache_errors_total{operation} (Counter): Cache operation errors
//
// Request Metrics (pkg/client):
//   - harvest_requests_total{host, status} (Counter): Forge requests by host and HTTP status
//   - harvest_request_duration_seconds{host} (Histogram): Request duration by host
//   - harvest_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - harvest_retries_total{error_class} (Counter): Retry attempts by error class
//   - harvest_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - harvest_retry_exhausted_total{error_class} (Counter): Calls that exhausted their attempts
//
// Harvest Metrics (internal/harvest, internal/jira):
//   - harvest_records_total{forge} (Counter): Records harvested
//   - harvest_records_degraded_total{forge} (Counter): Records degraded by a failed detail fetch
//   - harvest_repository_duration_seconds{forge} (Histogram): Time per repository
//   - harvest_jira_lookups_total{result} (Counter): Priority lookups by result
//
// Example Prometheus Queries:
//
//   # Share of degraded records
//   sum(rate(harvest_records_degraded_total[5m])) / sum(rate(harvest_records_total[5m]))
//
//   # Hosts close to their quota
//   harvest_quota_remaining < 100
//
//   # Revalidation hit rate
//   rate(harvest_304_responses_total[5m]) / rate(harvest_requests_total[5m])
