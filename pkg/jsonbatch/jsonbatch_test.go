package jsonbatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/Sternrassler/odata-batch/internal/testutil"
	"github.com/Sternrassler/odata-batch/pkg/batch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDecode(t *testing.T) {
	payload := `{
	  "requests": [
	    {"id": "1", "method": "post", "url": "/Books", "atomicityGroup": "g1",
	     "headers": {"content-type": "application/json"}, "body": {"Title": "Dune"}},
	    {"id": "2", "method": "PATCH", "url": "$1", "atomicityGroup": "g1", "dependsOn": ["1"],
	     "body": {"Price": 10}},
	    {"id": "3", "method": "GET", "url": "/Books", "dependsOn": ["g1"]},
	    {"id": "4", "method": "PUT", "url": "/Notes(1)/Text",
	     "headers": {"Content-Type": "text/plain"}, "body": "hello"},
	    {"id": "5", "method": "PUT", "url": "/Images(1)/$value",
	     "headers": {"Content-Type": "image/png"}, "body": "iVBORw=="},
	    {"id": "6", "method": "PUT", "url": "/Books(1)/Price", "body": 12.5}
	  ]
	}`

	requests, err := Decode(strings.NewReader(payload))
	require.NoError(t, err)
	require.Len(t, requests, 6)

	assert.Equal(t, http.MethodPost, requests[0].Method)
	assert.Equal(t, "g1", requests[0].AtomicityGroup)
	assert.Equal(t, "application/json", requests[0].Header.Get("Content-Type"))
	assert.JSONEq(t, `{"Title":"Dune"}`, string(requests[0].Body))

	assert.Equal(t, []string{"1"}, requests[1].DependsOn)
	assert.Equal(t, "application/json", requests[1].Header.Get("Content-Type"), "JSON is the default body type")

	assert.Equal(t, []string{"g1"}, requests[2].DependsOn)
	assert.Nil(t, requests[2].Body)

	assert.Equal(t, "hello", string(requests[3].Body))
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, requests[4].Body)
	assert.Equal(t, "12.5", string(requests[5].Body))
	assert.Equal(t, "application/json", requests[5].Header.Get("Content-Type"))
}

func TestEncodeRequestsImpliedContentType(t *testing.T) {
	requests := []*batch.Request{
		{ID: "1", Method: http.MethodPost, URL: "/Books", Header: http.Header{}, Body: []byte(`{"title":"x"}`)},
		{ID: "2", Method: http.MethodPost, URL: "/Notes", Header: http.Header{}, Body: []byte("plain\n")},
		{ID: "3", Method: http.MethodPut, URL: "/Books(1)/Price", Header: http.Header{}, Body: []byte("5")},
	}

	var buf bytes.Buffer
	require.NoError(t, EncodeRequests(&buf, requests))
	assert.Contains(t, buf.String(), `"body":{"title":"x"}`)

	decoded, err := Decode(&buf)
	require.NoError(t, err)
	require.Len(t, decoded, 3)

	assert.Equal(t, `{"title":"x"}`, string(decoded[0].Body))
	assert.Equal(t, "application/json", decoded[0].Header.Get("Content-Type"))
	assert.Equal(t, "plain\n", string(decoded[1].Body))
	assert.Equal(t, "application/octet-stream", decoded[1].Header.Get("Content-Type"))
	assert.Equal(t, "5", string(decoded[2].Body))
}

func TestEncodeRequestsRejectsInvalidJSONBody(t *testing.T) {
	requests := []*batch.Request{{
		ID: "1", Method: http.MethodPost, URL: "/Books",
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte("{"),
	}}
	err := EncodeRequests(&bytes.Buffer{}, requests)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `request "1"`)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		property string
		wantErr  string
	}{
		{"not JSON", `{"requests": [`, "", "invalid JSON batch"},
		{"not an object", `[]`, "", "invalid JSON batch"},
		{"unknown top-level property", `{"requests": [], "extra": 1}`, "extra", "unknown property"},
		{"missing requests", `{}`, "requests", "missing property"},
		{"requests not an array", `{"requests": {}}`, "requests", "must be an array"},
		{"unknown request property", `{"requests": [{"id": "1", "method": "GET", "url": "/A", "foo": 1}]}`, "foo", "unknown property"},
		{"missing id", `{"requests": [{"method": "GET", "url": "/A"}]}`, "id", "missing property"},
		{"missing method", `{"requests": [{"id": "1", "url": "/A"}]}`, "method", "missing property"},
		{"missing url", `{"requests": [{"id": "1", "method": "GET"}]}`, "url", "missing property"},
		{"unsupported method", `{"requests": [{"id": "1", "method": "HEAD", "url": "/A"}]}`, "method", "unsupported method"},
		{"id not a string", `{"requests": [{"id": 1, "method": "GET", "url": "/A"}]}`, "id", "must be a string"},
		{"empty atomicity group", `{"requests": [{"id": "1", "method": "POST", "url": "/A", "atomicityGroup": ""}]}`, "atomicityGroup", "non-empty"},
		{"GET with body", `{"requests": [{"id": "1", "method": "GET", "url": "/A", "body": {}}]}`, "body", "must not have a body"},
		{"DELETE with body", `{"requests": [{"id": "1", "method": "DELETE", "url": "/A(1)", "body": {}}]}`, "body", "must not have a body"},
		{"text body is an object", `{"requests": [{"id": "1", "method": "POST", "url": "/A", "headers": {"content-type": "text/plain"}, "body": {}}]}`, "body", "must be a string"},
		{"binary body not base64", `{"requests": [{"id": "1", "method": "POST", "url": "/A", "headers": {"content-type": "application/octet-stream"}, "body": "***"}]}`, "body", "invalid base64"},
		{"header not a string", `{"requests": [{"id": "1", "method": "GET", "url": "/A", "headers": {"x-n": 1}}]}`, "headers", "string values"},
		{"forbidden header", `{"requests": [{"id": "1", "method": "GET", "url": "/A", "headers": {"range": "bytes=0-1"}}]}`, "Range", "forbidden header"},
		{"reference not in dependsOn", `{"requests": [{"id": "1", "method": "POST", "url": "/A"}, {"id": "2", "method": "GET", "url": "$1/B"}]}`, "url", "must be listed in dependsOn"},
		{"unknown dependency", `{"requests": [{"id": "1", "method": "GET", "url": "/A"}, {"id": "2", "method": "GET", "url": "/B", "dependsOn": ["zzz"]}]}`, "", `dependency "zzz"`},
		{"duplicate id", `{"requests": [{"id": "1", "method": "GET", "url": "/A"}, {"id": "1", "method": "GET", "url": "/B"}]}`, "", "duplicate request id"},
		{"group id collides with request id", `{"requests": [{"id": "1", "method": "GET", "url": "/A"}, {"id": "2", "method": "POST", "url": "/B", "atomicityGroup": "1"}]}`, "", "collides"},
		{"cross group dependency without group", `{"requests": [{"id": "1", "method": "POST", "url": "/A", "atomicityGroup": "g1"}, {"id": "2", "method": "POST", "url": "/B", "atomicityGroup": "g2", "dependsOn": ["1"]}]}`, "", "must also be listed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, batch.ErrDeserialization)
			assert.Contains(t, err.Error(), tt.wantErr)

			var de *batch.DeserializationError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.property, de.Property)
		})
	}
}

// A failing validation leaves zero requests executed.
func TestDecodeUnknownDependencyExecutesNothing(t *testing.T) {
	payload := `{"requests": [
	  {"id": "1", "method": "GET", "url": "/Books"},
	  {"id": "2", "method": "GET", "url": "/Authors", "dependsOn": ["zzz"]}
	]}`
	requests, err := Decode(strings.NewReader(payload))
	require.ErrorIs(t, err, batch.ErrDeserialization)
	assert.Nil(t, requests)
}

// End-to-end: a single GET.
func TestDecodeProcessEncode(t *testing.T) {
	requests, err := Decode(strings.NewReader(`{"requests":[{"id":"1","method":"GET","url":"/Books"}]}`))
	require.NoError(t, err)

	h := testutil.NewScriptedHandler().Script("1", testutil.Step{Status: http.StatusOK, Body: `{"value":[]}`})
	ex, err := batch.NewExecution(requests, batch.Options{Semantics: batch.SemanticsJSON})
	require.NoError(t, err)
	p, err := batch.NewProcessor(h, batch.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, p.Process(context.Background(), ex))

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, ex))
	assert.JSONEq(t, `{"responses":[{"id":"1","status":200,"headers":{"content-type":"application/json"},"body":{"value":[]}}]}`, buf.String())
}

func TestEncodeBodies(t *testing.T) {
	requests := []*batch.Request{
		{ID: "a", Method: http.MethodGet, URL: "/A", Header: http.Header{}},
		{ID: "b", Method: http.MethodGet, URL: "/B", Header: http.Header{}, AtomicityGroup: "g"},
		{ID: "c", Method: http.MethodGet, URL: "/C", Header: http.Header{}},
	}
	h := batch.ResourceHandlerFunc(func(_ context.Context, r *batch.Request) (*batch.Response, error) {
		resp := &batch.Response{StatusCode: http.StatusOK, Header: http.Header{}}
		switch r.ID {
		case "a":
			resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
			resp.Body = []byte("plain")
		case "b":
			resp.Header.Set("Content-Type", "application/octet-stream")
			resp.Header.Set("Content-Length", "3")
			resp.Body = []byte{1, 2, 3}
		case "c":
			resp.StatusCode = http.StatusNoContent
		}
		return resp, nil
	})
	ex, err := batch.NewExecution(requests, batch.Options{})
	require.NoError(t, err)
	p, err := batch.NewProcessor(h, batch.Config{MaxConcurrency: 1})
	require.NoError(t, err)
	require.NoError(t, p.Process(context.Background(), ex))

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, ex))

	var doc struct {
		Responses []map[string]any `json:"responses"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	require.Len(t, doc.Responses, 3)

	byID := make(map[string]map[string]any)
	for _, r := range doc.Responses {
		byID[r["id"].(string)] = r
	}
	assert.Equal(t, "plain", byID["a"]["body"])
	assert.Equal(t, "AQID", byID["b"]["body"])
	assert.Equal(t, "g", byID["b"]["atomicityGroup"])
	assert.NotContains(t, byID["b"]["headers"], "content-length")
	assert.NotContains(t, byID["c"], "body")
	assert.NotContains(t, byID["c"], "atomicityGroup")
}

func TestPropertyRequestRoundTrip(t *testing.T) {
	methods := []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete}
	groups := []string{"", "", "g0", "g1", "g2"}

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(rt, "n")
		requests := make([]*batch.Request, 0, n)
		wantHeaders := make([]http.Header, 0, n)
		for i := 0; i < n; i++ {
			r := &batch.Request{
				ID:             fmt.Sprintf("r%d", i),
				Method:         rapid.SampledFrom(methods).Draw(rt, "method"),
				URL:            "/" + rapid.StringMatching(`[A-Z][a-z]{0,8}(\([0-9]{1,3}\))?`).Draw(rt, "url"),
				Header:         http.Header{},
				AtomicityGroup: rapid.SampledFrom(groups).Draw(rt, "group"),
			}
			if rapid.Bool().Draw(rt, "header") {
				r.Header.Set("If-Match", rapid.StringMatching(`W/"[a-z0-9]{1,6}"`).Draw(rt, "etag"))
			}
			for _, prev := range requests {
				if !rapid.Bool().Draw(rt, "dep") {
					continue
				}
				r.DependsOn = append(r.DependsOn, prev.ID)
				if g := prev.AtomicityGroup; g != "" && g != r.AtomicityGroup && !r.DependsOnID(g) {
					r.DependsOn = append(r.DependsOn, g)
				}
			}

			want := r.Header.Clone()
			if r.Method != http.MethodGet && r.Method != http.MethodDelete {
				switch rapid.IntRange(0, 3).Draw(rt, "body") {
				case 1:
					r.Header.Set("Content-Type", "application/json")
					want.Set("Content-Type", "application/json")
					r.Body = []byte(fmt.Sprintf(`{"n":%d}`, rapid.IntRange(0, 1000).Draw(rt, "n")))
				case 2:
					// No content type: JSON is implied.
					want.Set("Content-Type", "application/json")
					r.Body = []byte(fmt.Sprintf(`{"n":%d}`, rapid.IntRange(0, 1000).Draw(rt, "n")))
				case 3:
					r.Header.Set("Content-Type", "application/json")
					want.Set("Content-Type", "application/json")
					r.Body = []byte(fmt.Sprintf("%d", rapid.IntRange(0, 1000).Draw(rt, "scalar")))
				}
			}
			requests = append(requests, r)
			wantHeaders = append(wantHeaders, want)
		}
		require.NoError(rt, batch.Validate(requests))

		var buf bytes.Buffer
		require.NoError(rt, EncodeRequests(&buf, requests))
		decoded, err := Decode(&buf)
		require.NoError(rt, err)
		require.Len(rt, decoded, n)

		for i, r := range requests {
			d := decoded[i]
			assert.Equal(rt, r.ID, d.ID)
			assert.Equal(rt, r.Method, d.Method)
			assert.Equal(rt, r.URL, d.URL)
			assert.Equal(rt, r.AtomicityGroup, d.AtomicityGroup)
			assert.Equal(rt, wantHeaders[i], d.Header)
			assert.Equal(rt, r.DependsOn, d.DependsOn)
			assert.Equal(rt, r.Body, d.Body)
		}
	})
}
