package upstream

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/odata-batch/internal/testutil"
	"github.com/Sternrassler/odata-batch/pkg/batch"
	"github.com/Sternrassler/odata-batch/pkg/jsonbatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	cfg := DefaultConfig(baseURL)
	cfg.Timeout = 2 * time.Second
	cfg.Retry = fastRetry()
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func request(id, method, url, body string) *batch.Request {
	r := &batch.Request{ID: id, Method: method, URL: url, Header: http.Header{}}
	if body != "" {
		r.Header.Set("Content-Type", "application/json")
		r.Body = []byte(body)
	}
	return r
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing base url", mutate: func(c *Config) { c.BaseURL = "" }, errorMsg: "base url is required"},
		{name: "relative base url", mutate: func(c *Config) { c.BaseURL = "/odata" }, errorMsg: "must be absolute"},
		{name: "zero timeout", mutate: func(c *Config) { c.Timeout = 0 }, errorMsg: "timeout"},
		{name: "no attempts", mutate: func(c *Config) { c.Retry.MaxAttempts = 0 }, errorMsg: "max_attempts"},
		{name: "max below initial backoff", mutate: func(c *Config) { c.Retry.MaxBackoff = time.Nanosecond }, errorMsg: "max_backoff"},
		{name: "shrinking backoff", mutate: func(c *Config) { c.Retry.BackoffMultiplier = 0.5 }, errorMsg: "backoff_multiplier"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("http://localhost:8080/odata")
			tt.mutate(&cfg)
			_, err := New(cfg)
			if tt.errorMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestBaseURLGetsTrailingSlash(t *testing.T) {
	c := newTestClient(t, "http://localhost:8080/odata")
	assert.Equal(t, "http://localhost:8080/odata/", c.BaseURL())
}

func TestProcessForwardsRequest(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	c := newTestClient(t, mock.URL())

	r := request("1", http.MethodPost, "/Books", `{"Title":"Dune"}`)
	r.Header.Set("If-Match", `W/"1"`)

	resp, err := c.Process(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "/Books(1)", resp.Header.Get("Location"))
	assert.JSONEq(t, `{"ID":1}`, string(resp.Body))

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/Books", reqs[0].Path)
	assert.Equal(t, `{"Title":"Dune"}`, reqs[0].Body)
	assert.Equal(t, `W/"1"`, reqs[0].Header.Get("If-Match"))
	assert.Equal(t, "odata-batch/1.0", reqs[0].Header.Get("User-Agent"))
}

func TestProcessResolvesAgainstServiceRoot(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	c := newTestClient(t, mock.URL()+"/odata")

	tests := []struct {
		url       string
		wantPath  string
		wantQuery string
	}{
		{url: "Books", wantPath: "/odata/Books"},
		{url: "Books?$top=2", wantPath: "/odata/Books", wantQuery: "$top=2"},
		{url: "/Books", wantPath: "/Books"},
		{url: mock.URL() + "/other/Books", wantPath: "/other/Books"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			mock.Reset()
			_, err := c.Process(context.Background(), request("1", http.MethodGet, tt.url, ""))
			require.NoError(t, err)
			reqs := mock.Requests()
			require.Len(t, reqs, 1)
			assert.Equal(t, tt.wantPath, reqs[0].Path)
			assert.Equal(t, tt.wantQuery, reqs[0].Query)
		})
	}
}

func TestProcessRetriesServerErrors(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetSequence("GET /Books",
		testutil.NewServerErrorResponse(),
		testutil.NewServerErrorResponse(),
		testutil.NewJSONResponse(`{"value":[{"ID":1}]}`),
	)
	c := newTestClient(t, mock.URL())

	resp, err := c.Process(context.Background(), request("1", http.MethodGet, "/Books", ""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, mock.RequestCount())
}

func TestProcessReturnsServerErrorAfterRetries(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetResponse("DELETE /Books(1)", testutil.NewServerErrorResponse())
	c := newTestClient(t, mock.URL())

	resp, err := c.Process(context.Background(), request("1", http.MethodDelete, "/Books(1)", ""))
	require.NoError(t, err, "an HTTP error status is an ordinary response")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.True(t, resp.Failed())
	assert.Equal(t, 3, mock.RequestCount())
}

func TestProcessDoesNotRetryNonIdempotentMethods(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetResponse("POST /Books", testutil.NewServerErrorResponse())
	c := newTestClient(t, mock.URL())

	resp, err := c.Process(context.Background(), request("1", http.MethodPost, "/Books", `{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, 1, mock.RequestCount())
}

func TestProcessDoesNotRetryClientErrors(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetResponse("GET /Books(9)", testutil.NewNotFoundResponse())
	c := newTestClient(t, mock.URL())

	resp, err := c.Process(context.Background(), request("1", http.MethodGet, "/Books(9)", ""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 1, mock.RequestCount())
}

func TestProcessNetworkError(t *testing.T) {
	mock := testutil.NewMockService()
	baseURL := mock.URL()
	mock.Close()
	c := newTestClient(t, baseURL)

	resp, err := c.Process(context.Background(), request("1", http.MethodGet, "/Books", ""))
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrRetryExhausted)

	var upErr *Error
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, ErrorClassNetwork, upErr.Class)
}

func TestProcessNetworkErrorWithoutRetry(t *testing.T) {
	mock := testutil.NewMockService()
	baseURL := mock.URL()
	mock.Close()
	c := newTestClient(t, baseURL)

	_, err := c.Process(context.Background(), request("1", http.MethodPatch, "/Books(1)", `{}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRetryExhausted)

	var upErr *Error
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, ErrorClassNetwork, upErr.Class)
}

func TestProcessInvalidURL(t *testing.T) {
	c := newTestClient(t, "http://localhost:8080/")
	_, err := c.Process(context.Background(), request("1", http.MethodGet, "%zz", ""))
	assert.Error(t, err)
}

// A JSON batch forwarded upstream: the created entity's Location feeds the
// $1 reference of the second request.
func TestProcessBatchAgainstUpstream(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	c := newTestClient(t, mock.URL())

	requests, err := jsonbatch.Decode(strings.NewReader(`{"requests":[
	  {"id":"1","method":"POST","url":"/Authors","atomicityGroup":"g1","body":{"Name":"Frank"}},
	  {"id":"2","method":"POST","url":"$1/Books","atomicityGroup":"g1","dependsOn":["1"],"body":{"Title":"Dune"}},
	  {"id":"3","method":"GET","url":"/Books","dependsOn":["g1"]}
	]}`))
	require.NoError(t, err)

	ex, err := batch.NewExecution(requests, batch.Options{Semantics: batch.SemanticsJSON})
	require.NoError(t, err)
	p, err := batch.NewProcessor(c, batch.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, p.Process(context.Background(), ex))

	got := make(map[string]int)
	for _, r := range ex.Responses() {
		got[r.RequestID] = r.StatusCode
	}
	assert.Equal(t, map[string]int{"1": 201, "2": 201, "3": 200}, got)

	reqs := mock.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "/Authors", reqs[0].Path)
	assert.Equal(t, "/Authors(1)/Books", reqs[1].Path)
	assert.Equal(t, "/Books", reqs[2].Path)
}
