package batch

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPHandler(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /Books", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Location", "/Books(1)")
		w.Header().Set("Content-Type", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	})
	mux.HandleFunc("GET /Books", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"value":[]}`))
	})

	h := HTTPHandler(mux)

	resp, err := h.Process(context.Background(), &Request{
		ID:     "1",
		Method: http.MethodPost,
		URL:    "/Books",
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"Title":"Dune"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "/Books(1)", resp.Header.Get("Location"))
	assert.JSONEq(t, `{"Title":"Dune"}`, string(resp.Body))

	resp, err = h.Process(context.Background(), &Request{ID: "2", Method: http.MethodGet, URL: "/Books?$top=1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"value":[]}`, string(resp.Body))

	resp, err = h.Process(context.Background(), &Request{ID: "3", Method: http.MethodDelete, URL: "/Authors(1)"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPHandlerInvalidMethod(t *testing.T) {
	_, err := HTTPHandler(http.NotFoundHandler()).Process(context.Background(), &Request{ID: "1", Method: "BAD METHOD", URL: "/"})
	assert.Error(t, err)
}
