// Package testutil provides a recording mock tracker server for client,
// push and transfer tests.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// RecordedRequest stores information about a request made to the mock server.
type RecordedRequest struct {
	Method  string
	Path    string
	Query   string
	Headers http.Header
	Body    []byte
}

// JSON decodes the recorded body into v.
func (r RecordedRequest) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// MockResponse represents a configured response for the mock server.
type MockResponse struct {
	StatusCode int
	// Body is JSON-encoded unless it is a string or []byte, which are
	// written verbatim.
	Body    any
	Headers map[string]string
}

// MockTrackerServer records every request and answers from a route table
// keyed by "METHOD /path". Unmatched routes fall through to the default
// handler, then 404.
type MockTrackerServer struct {
	Server *httptest.Server
	mu     sync.Mutex

	requests       []RecordedRequest
	responses      map[string]MockResponse
	handlers       map[string]http.HandlerFunc
	defaultHandler http.HandlerFunc

	// Rate limit simulation: the first rateLimitRetries requests get 429.
	rateLimitRetries int
	rateLimitCount   int
	retryAfter       string
}

// NewMockTrackerServer starts a new mock server. Callers must Close it.
func NewMockTrackerServer() *MockTrackerServer {
	m := &MockTrackerServer{
		responses: make(map[string]MockResponse),
		handlers:  make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handleRequest))
	return m
}

func routeKey(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

func (m *MockTrackerServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()

	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Headers: r.Header.Clone(),
		Body:    body,
	})
	limited := false
	if m.rateLimitCount < m.rateLimitRetries {
		m.rateLimitCount++
		limited = true
	}
	retryAfter := m.retryAfter
	key := routeKey(r.Method, r.URL.Path)
	resp, found := m.responses[key]
	handler := m.handlers[key]
	fallback := m.defaultHandler
	m.mu.Unlock()

	if limited {
		if retryAfter != "" {
			w.Header().Set("Retry-After", retryAfter)
		}
		w.WriteHeader(http.StatusTooManyRequests)
		writeBody(w, map[string]string{"error": "Rate limited"})
		return
	}

	// Handlers read the body themselves.
	r.Body = io.NopCloser(strings.NewReader(string(body)))
	switch {
	case found:
		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		if resp.StatusCode != 0 {
			w.WriteHeader(resp.StatusCode)
		}
		if resp.Body != nil {
			writeBody(w, resp.Body)
		}
	case handler != nil:
		handler(w, r)
	case fallback != nil:
		fallback(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
		writeBody(w, map[string]string{"error": "Not found"})
	}
}

// URL returns the mock server URL.
func (m *MockTrackerServer) URL() string {
	return m.Server.URL
}

// Close shuts down the mock server.
func (m *MockTrackerServer) Close() {
	m.Server.Close()
}

// SetResponse configures a response for method and path.
func (m *MockTrackerServer) SetResponse(method, path string, statusCode int, body any) {
	m.SetResponseWithHeaders(method, path, statusCode, body, nil)
}

// SetResponseWithHeaders configures a response with custom headers.
func (m *MockTrackerServer) SetResponseWithHeaders(method, path string, statusCode int, body any, headers map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[routeKey(method, path)] = MockResponse{StatusCode: statusCode, Body: body, Headers: headers}
}

// Handle installs a handler for method and path.
func (m *MockTrackerServer) Handle(method, path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[routeKey(method, path)] = h
}

// SetDefaultHandler sets a custom handler for unmatched requests.
func (m *MockTrackerServer) SetDefaultHandler(handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultHandler = handler
}

// SetRateLimit makes the next n requests answer 429 with the given
// Retry-After header (omitted when empty).
func (m *MockTrackerServer) SetRateLimit(n int, retryAfter string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimitRetries = n
	m.rateLimitCount = 0
	m.retryAfter = retryAfter
}

// GetRequests returns all recorded requests.
func (m *MockTrackerServer) GetRequests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]RecordedRequest, len(m.requests))
	copy(result, m.requests)
	return result
}

// GetRequestCount returns the number of recorded requests.
func (m *MockTrackerServer) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// RequestsTo returns the recorded requests for method and path.
func (m *MockTrackerServer) RequestsTo(method, path string) []RecordedRequest {
	var out []RecordedRequest
	for _, r := range m.GetRequests() {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// Reset clears all recorded requests and responses.
func (m *MockTrackerServer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.responses = make(map[string]MockResponse)
	m.handlers = make(map[string]http.HandlerFunc)
	m.rateLimitCount = 0
	m.rateLimitRetries = 0
	m.retryAfter = ""
}

// WriteJSON writes v as a JSON response body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBody(w http.ResponseWriter, v any) {
	switch b := v.(type) {
	case string:
		_, _ = io.WriteString(w, b)
	case []byte:
		_, _ = w.Write(b)
	default:
		_ = json.NewEncoder(w).Encode(v)
	}
}
