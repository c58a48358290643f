// Package testutil provides httptest mock forges for tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// Response defines the behavior of a canned endpoint response.
type Response struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// Server is a configurable mock HTTP server. Paths without an explicit
// handler fall through to the fallback handler, which the forge mocks
// install.
type Server struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	fallback http.HandlerFunc
	failures map[string][]int
	hook     func(r *http.Request)

	requestCount      int
	conditionalCount  int
	pathCounts        map[string]int
	lastRequestHeader http.Header
}

// NewServer creates a mock server answering 404 for unknown paths.
func NewServer() *Server {
	s := &Server{
		handlers:   make(map[string]http.HandlerFunc),
		failures:   make(map[string][]int),
		pathCounts: make(map[string]int),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requestCount++
	s.pathCounts[r.URL.Path]++
	s.lastRequestHeader = r.Header.Clone()
	if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
		s.conditionalCount++
	}

	var failStatus int
	if queue := s.failures[r.URL.Path]; len(queue) > 0 {
		failStatus = queue[0]
		s.failures[r.URL.Path] = queue[1:]
	}
	handler, exists := s.handlers[r.URL.Path]
	fallback := s.fallback
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		hook(r)
	}

	if failStatus != 0 {
		WriteJSON(w, failStatus, map[string]string{"message": http.StatusText(failStatus)})
		return
	}
	if exists {
		handler(w, r)
		return
	}
	if fallback != nil {
		fallback(w, r)
		return
	}
	WriteJSON(w, http.StatusNotFound, map[string]string{"message": "404 Not Found"})
}

// URL returns the mock server URL.
func (s *Server) URL() string {
	return s.server.URL
}

// Close shuts down the mock server.
func (s *Server) Close() {
	s.server.Close()
}

// Reset clears all tracking counters.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestCount = 0
	s.conditionalCount = 0
	s.pathCounts = make(map[string]int)
	s.lastRequestHeader = nil
}

// SetHandler sets a custom handler for an exact (decoded) path.
func (s *Server) SetHandler(path string, handler http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[path] = handler
}

// SetResponse configures a canned response for a path.
func (s *Server) SetResponse(path string, resp Response) {
	s.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// FailNext makes the next requests to path fail with the given statuses, one
// status per request, before normal handling resumes. A zero status lets
// that request through.
func (s *Server) FailNext(path string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = append(s.failures[path], statuses...)
}

// OnRequest registers a hook called with every request before it is
// answered.
func (s *Server) OnRequest(hook func(r *http.Request)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

func (s *Server) setFallback(h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = h
}

// RequestCount returns the number of requests made to the server.
func (s *Server) RequestCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requestCount
}

// PathCount returns the number of requests made to one (decoded) path.
func (s *Server) PathCount(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pathCounts[path]
}

// ConditionalCount returns the number of conditional requests.
func (s *Server) ConditionalCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conditionalCount
}

// LastRequestHeader returns the headers of the most recent request.
func (s *Server) LastRequestHeader() http.Header {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRequestHeader.Clone()
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// NewJSONResponse creates a 200 OK response carrying an ETag.
func NewJSONResponse(data string) Response {
	return Response{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"ETag":         `"test-etag-123"`,
			"Content-Type": "application/json",
		},
	}
}

// NewRateLimitResponse creates a 429 response with a Retry-After header.
func NewRateLimitResponse(retryAfter time.Duration) Response {
	return Response{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"message":"API rate limit exceeded"}`,
		Headers: map[string]string{
			"Retry-After":  strconv.Itoa(int(retryAfter.Seconds())),
			"Content-Type": "application/json",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() Response {
	return Response{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"message":"500 Internal Server Error"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewConditionalHandler answers 304 when If-None-Match matches etag and the
// full body otherwise.
func NewConditionalHandler(etag string, data string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(data))
	}
}
