package batch

import (
	"bytes"
	"context"
	"net/http"
)

// ResourceHandler executes a single sub-request.
//
// An error return is a framework-level error. HTTP error statuses must be
// returned as a Response.
type ResourceHandler interface {
	Process(ctx context.Context, r *Request) (*Response, error)
}

// ResourceHandlerFunc adapts a function to ResourceHandler.
type ResourceHandlerFunc func(ctx context.Context, r *Request) (*Response, error)

// Process calls f.
func (f ResourceHandlerFunc) Process(ctx context.Context, r *Request) (*Response, error) {
	return f(ctx, r)
}

// HTTPHandler runs sub-requests through an in-process http.Handler.
func HTTPHandler(h http.Handler) ResourceHandler {
	return ResourceHandlerFunc(func(ctx context.Context, r *Request) (*Response, error) {
		req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, bytes.NewReader(r.Body))
		if err != nil {
			return nil, err
		}
		for k, v := range r.Header {
			req.Header[k] = append([]string(nil), v...)
		}
		req.RequestURI = r.URL

		rec := newRecorder()
		h.ServeHTTP(rec, req)
		return &Response{
			StatusCode: rec.status(),
			Header:     rec.header,
			Body:       rec.body.Bytes(),
		}, nil
	})
}

// recorder is a minimal http.ResponseWriter that buffers the response.
type recorder struct {
	header http.Header
	body   bytes.Buffer
	code   int
}

func newRecorder() *recorder {
	return &recorder{header: http.Header{}}
}

func (rec *recorder) Header() http.Header { return rec.header }

func (rec *recorder) Write(p []byte) (int, error) {
	if rec.code == 0 {
		rec.code = http.StatusOK
	}
	return rec.body.Write(p)
}

func (rec *recorder) WriteHeader(code int) {
	if rec.code == 0 {
		rec.code = code
	}
}

func (rec *recorder) status() int {
	if rec.code == 0 {
		return http.StatusOK
	}
	return rec.code
}
