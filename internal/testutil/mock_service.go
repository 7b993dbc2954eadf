// Package testutil provides test doubles for the batch service.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockServiceResponse defines the behavior of a mock service route.
type MockServiceResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest is a request received by MockService.
type RecordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   string
}

// MockService is a configurable upstream OData service for testing.
//
// Unrouted POSTs create an entity and answer 201 with a Location header,
// unrouted GETs answer 200 with an empty collection, everything else 204.
type MockService struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	requests []RecordedRequest
	created  int
}

// NewMockService starts a mock service.
func NewMockService() *MockService {
	mock := &MockService{
		handlers: make(map[string]http.HandlerFunc),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mock.mu.Lock()
		mock.requests = append(mock.requests, RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   string(body),
		})
		handler, exists := mock.handlers[r.Method+" "+r.URL.Path]
		if !exists {
			handler, exists = mock.handlers[r.URL.Path]
		}
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}
		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the service root URL.
func (m *MockService) URL() string {
	return m.server.URL
}

// Close shuts down the mock service.
func (m *MockService) Close() {
	m.server.Close()
}

// Reset clears the recorded requests.
func (m *MockService) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.created = 0
}

// SetHandler routes a pattern to handler. The pattern is either a path or
// "METHOD path".
func (m *MockService) SetHandler(pattern string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[pattern] = handler
}

// SetResponse configures a fixed response for a pattern.
func (m *MockService) SetResponse(pattern string, resp MockServiceResponse) {
	m.SetHandler(pattern, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			_, _ = w.Write([]byte(resp.Body))
		}
	})
}

// SetSequence answers a pattern with the given responses in turn, repeating
// the last one once the sequence is exhausted.
func (m *MockService) SetSequence(pattern string, responses ...MockServiceResponse) {
	var mu sync.Mutex
	calls := 0
	m.SetHandler(pattern, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := responses[min(calls, len(responses)-1)]
		calls++
		mu.Unlock()

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			_, _ = w.Write([]byte(resp.Body))
		}
	})
}

// Requests returns the requests received so far.
func (m *MockService) Requests() []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// RequestCount returns the number of requests received.
func (m *MockService) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

func (m *MockService) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("OData-Version", "4.0")

	switch r.Method {
	case http.MethodPost:
		m.mu.Lock()
		m.created++
		n := m.created
		m.mu.Unlock()
		location := fmt.Sprintf("%s(%d)", r.URL.Path, n)
		w.Header().Set("Location", location)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"ID":%d}`, n)
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"value":[]}`))
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// NewJSONResponse creates a 200 OK response with a JSON body.
func NewJSONResponse(body string) MockServiceResponse {
	return MockServiceResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewCreatedResponse creates a 201 Created response with a Location header.
func NewCreatedResponse(location string) MockServiceResponse {
	return MockServiceResponse{
		StatusCode: http.StatusCreated,
		Headers:    map[string]string{"Location": location},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockServiceResponse {
	return MockServiceResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error":{"code":"500","message":"Internal server error"}}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() MockServiceResponse {
	return MockServiceResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error":{"code":"404","message":"Not found"}}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}
