// Package upstream forwards batch sub-requests to a remote OData service.
//
// Relative sub-request URLs are resolved against the configured service
// root. Idempotent methods are retried on 5xx answers and network errors
// with jittered exponential backoff. An HTTP error status that survives the
// retries is returned as an ordinary response; only a request that never
// got an answer is reported as an error.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/odata-batch/pkg/batch"
	"github.com/Sternrassler/odata-batch/pkg/logging"
	"github.com/rs/zerolog"
)

// Client is a batch.ResourceHandler backed by an upstream HTTP service.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the service root, e.g. "https://host/odata/".
	BaseURL string

	// Timeout bounds a single attempt.
	Timeout time.Duration

	// UserAgent is set on forwarded requests that carry none.
	UserAgent string

	Retry RetryConfig
}

// DefaultConfig returns a default configuration for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		Timeout:   30 * time.Second,
		UserAgent: "odata-batch/1.0",
		Retry:     DefaultRetryConfig(),
	}
}

// New creates a new upstream client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if !base.IsAbs() || base.Host == "" {
		return nil, fmt.Errorf("base url must be absolute (got %q)", cfg.BaseURL)
	}
	// Relative references resolve below the service root only with a
	// trailing slash.
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive (got %s)", cfg.Timeout)
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("retry: %w", err)
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    base,
		config:     cfg,
		logger:     logging.NewLogger("upstream"),
	}, nil
}

// BaseURL returns the normalized service root.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Process forwards r upstream. It implements batch.ResourceHandler.
func (c *Client) Process(ctx context.Context, r *batch.Request) (*batch.Response, error) {
	target, err := c.resolve(r.URL)
	if err != nil {
		return nil, err
	}

	attempts := 1
	if idempotent(r.Method) {
		attempts = c.config.Retry.MaxAttempts
	}
	logger := c.logger.With().
		Str("request_id", r.ID).
		Str("method", r.Method).
		Str("url", target).
		Logger()

	var resp *batch.Response
	err = retryWithBackoff(ctx, c.config.Retry, attempts, logger, func() (ErrorClass, error) {
		var doErr error
		resp, doErr = c.do(ctx, r, target)
		if doErr != nil {
			upstreamErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			upstreamRequestsTotal.WithLabelValues(r.Method, "network_error").Inc()
			logger.Error().Err(doErr).Msg("Upstream request failed")
			return ErrorClassNetwork, &Error{Class: ErrorClassNetwork, Message: r.Method + " " + target, Err: doErr}
		}

		upstreamRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(resp.StatusCode)).Inc()
		class := classify(resp.StatusCode)
		if class == "" {
			return "", nil
		}
		upstreamErrorsTotal.WithLabelValues(string(class)).Inc()
		logger.Warn().
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Upstream request error")
		if !shouldRetry(class) {
			return class, nil
		}
		return class, &Error{StatusCode: resp.StatusCode, Class: class, Message: http.StatusText(resp.StatusCode)}
	})
	if err != nil {
		// A server error that outlived the retries is still an answer.
		var upErr *Error
		if resp != nil && errors.As(err, &upErr) && upErr.Class == ErrorClassServer {
			return resp, nil
		}
		return nil, err
	}
	return resp, nil
}

// do performs one attempt and reads the whole response.
func (c *Client) do(ctx context.Context, r *batch.Request, target string) (*batch.Response, error) {
	start := time.Now()
	defer func() {
		upstreamRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	}()

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range r.Header {
		req.Header[k] = append([]string(nil), v...)
	}
	if req.Header.Get("User-Agent") == "" && c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &batch.Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       data,
	}, nil
}

// resolve turns a sub-request URL into an absolute upstream URL.
func (c *Client) resolve(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	return c.baseURL.ResolveReference(ref).String(), nil
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}
