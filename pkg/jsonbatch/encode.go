package jsonbatch

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/Sternrassler/odata-batch/pkg/batch"
)

const binaryMediaType = "application/octet-stream"

type responseDocument struct {
	Responses []responseItem `json:"responses"`
}

type responseItem struct {
	ID             string            `json:"id"`
	AtomicityGroup string            `json:"atomicityGroup,omitempty"`
	Status         int               `json:"status"`
	Headers        map[string]string `json:"headers"`
	Body           json.RawMessage   `json:"body,omitempty"`
}

type requestDocument struct {
	Requests []requestItem `json:"requests"`
}

type requestItem struct {
	ID             string            `json:"id"`
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	AtomicityGroup string            `json:"atomicityGroup,omitempty"`
	DependsOn      []string          `json:"dependsOn,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           json.RawMessage   `json:"body,omitempty"`
}

// Encode writes the responses of ex in completion order.
func Encode(w io.Writer, ex *batch.Execution) error {
	doc := responseDocument{Responses: []responseItem{}}
	for _, resp := range ex.Responses() {
		headers := flattenHeader(resp.Header)
		doc.Responses = append(doc.Responses, responseItem{
			ID:             resp.RequestID,
			AtomicityGroup: resp.AtomicityGroup,
			Status:         resp.StatusCode,
			Headers:        headers,
			Body:           responseBody(resp.Header, resp.Body, headers),
		})
	}
	return json.NewEncoder(w).Encode(doc)
}

// EncodeRequests writes requests as a JSON batch that Decode reads back.
// A body without a content type is written as JSON when it is valid JSON,
// matching the type Decode implies, and as base64 with an explicit
// application/octet-stream content type otherwise.
func EncodeRequests(w io.Writer, requests []*batch.Request) error {
	doc := requestDocument{Requests: make([]requestItem, 0, len(requests))}
	for _, r := range requests {
		headers := flattenHeader(r.Header)
		body, err := requestBody(r.Header, r.Body, headers)
		if err != nil {
			return fmt.Errorf("request %q: %w", r.ID, err)
		}
		if len(headers) == 0 {
			headers = nil
		}
		doc.Requests = append(doc.Requests, requestItem{
			ID:             r.ID,
			Method:         r.Method,
			URL:            r.URL,
			AtomicityGroup: r.AtomicityGroup,
			DependsOn:      r.DependsOn,
			Headers:        headers,
			Body:           body,
		})
	}
	return json.NewEncoder(w).Encode(doc)
}

func requestBody(h http.Header, body []byte, headers map[string]string) (json.RawMessage, error) {
	if len(body) == 0 {
		return nil, nil
	}
	ct := h.Get("Content-Type")
	if ct == "" {
		if json.Valid(body) {
			return json.RawMessage(body), nil
		}
		headers["content-type"] = binaryMediaType
		return json.Marshal(base64.StdEncoding.EncodeToString(body))
	}
	switch bodyKind(ct) {
	case kindJSON:
		if !json.Valid(body) {
			return nil, fmt.Errorf("body is not valid JSON for content type %s", ct)
		}
		return json.RawMessage(body), nil
	case kindText:
		if !utf8.Valid(body) {
			return nil, fmt.Errorf("body is not valid UTF-8 for content type %s", ct)
		}
		return json.Marshal(string(body))
	default:
		return json.Marshal(base64.StdEncoding.EncodeToString(body))
	}
}

// responseBody renders body as JSON when the content type is JSON (or
// missing) and the body parses, as a string for text types and as base64
// otherwise.
func responseBody(h http.Header, body []byte, headers map[string]string) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	ct := h.Get("Content-Type")
	if (ct == "" || bodyKind(ct) == kindJSON) && json.Valid(body) {
		return json.RawMessage(body)
	}
	if ct != "" && bodyKind(ct) == kindText {
		raw, _ := json.Marshal(string(body))
		return raw
	}
	if ct == "" {
		headers["content-type"] = binaryMediaType
	}
	raw, _ := json.Marshal(base64.StdEncoding.EncodeToString(body))
	return raw
}

// flattenHeader lower-cases header names and joins repeated values.
func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if strings.EqualFold(k, "Content-Length") || len(v) == 0 {
			continue
		}
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}
