// Package jsonbatch reads and writes JSON batch payloads
// ({"requests":[...]} and {"responses":[...]}).
//
// Unlike the multipart format, dependencies are explicit. Payloads are
// validated while they are decoded and the first violation is reported.
package jsonbatch

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"sort"
	"strings"

	"github.com/Sternrassler/odata-batch/pkg/batch"
)

// MediaType is the media type of JSON batch payloads.
const MediaType = "application/json"

var allowedMethods = map[string]bool{
	http.MethodDelete: true,
	http.MethodGet:    true,
	http.MethodPatch:  true,
	http.MethodPost:   true,
	http.MethodPut:    true,
}

var requestProperties = map[string]bool{
	"id":             true,
	"method":         true,
	"url":            true,
	"atomicityGroup": true,
	"dependsOn":      true,
	"headers":        true,
	"body":           true,
}

// Decode reads a JSON batch and returns the validated sub-requests.
func Decode(r io.Reader) ([]*batch.Request, error) {
	var doc map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, &batch.DeserializationError{Message: "invalid JSON batch", Err: err}
	}
	if doc == nil {
		return nil, batch.Deserializationf("", "batch must be a JSON object")
	}
	for _, key := range sortedKeys(doc) {
		if key != "requests" {
			return nil, &batch.DeserializationError{Property: key, Message: "unknown property"}
		}
	}
	raw, ok := doc["requests"]
	if !ok {
		return nil, &batch.DeserializationError{Property: "requests", Message: "missing property"}
	}

	var items []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &batch.DeserializationError{Property: "requests", Message: "must be an array of objects", Err: err}
	}

	v := batch.NewValidator()
	requests := make([]*batch.Request, 0, len(items))
	for _, item := range items {
		req, err := decodeRequest(item)
		if err != nil {
			return nil, err
		}
		if err := v.Add(req); err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, nil
}

func decodeRequest(item map[string]json.RawMessage) (*batch.Request, error) {
	if item == nil {
		return nil, batch.Deserializationf("", "request must be a JSON object")
	}

	var id string
	if err := stringProperty(item, "id", &id, ""); err != nil {
		return nil, err
	}
	for _, key := range sortedKeys(item) {
		if !requestProperties[key] {
			return nil, &batch.DeserializationError{RequestID: id, Property: key, Message: "unknown property"}
		}
	}
	if id == "" {
		return nil, &batch.DeserializationError{Property: "id", Message: "missing property"}
	}

	req := &batch.Request{ID: id, Header: http.Header{}}

	var method string
	if err := stringProperty(item, "method", &method, id); err != nil {
		return nil, err
	}
	req.Method = strings.ToUpper(method)
	if req.Method == "" {
		return nil, &batch.DeserializationError{RequestID: id, Property: "method", Message: "missing property"}
	}
	if !allowedMethods[req.Method] {
		return nil, &batch.DeserializationError{RequestID: id, Property: "method", Message: "unsupported method " + method}
	}

	if err := stringProperty(item, "url", &req.URL, id); err != nil {
		return nil, err
	}
	if req.URL == "" {
		return nil, &batch.DeserializationError{RequestID: id, Property: "url", Message: "missing property"}
	}

	if raw, ok := item["atomicityGroup"]; ok {
		if err := json.Unmarshal(raw, &req.AtomicityGroup); err != nil || req.AtomicityGroup == "" {
			return nil, &batch.DeserializationError{RequestID: id, Property: "atomicityGroup", Message: "must be a non-empty string"}
		}
	}

	if raw, ok := item["dependsOn"]; ok {
		if err := json.Unmarshal(raw, &req.DependsOn); err != nil {
			return nil, &batch.DeserializationError{RequestID: id, Property: "dependsOn", Message: "must be an array of strings"}
		}
	}

	if raw, ok := item["headers"]; ok {
		var headers map[string]string
		if err := json.Unmarshal(raw, &headers); err != nil {
			return nil, &batch.DeserializationError{RequestID: id, Property: "headers", Message: "must be an object with string values"}
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	if raw, ok := item["body"]; ok && !isNull(raw) {
		if req.Method == http.MethodGet || req.Method == http.MethodDelete {
			return nil, &batch.DeserializationError{RequestID: id, Property: "body", Message: req.Method + " request must not have a body"}
		}
		body, err := decodeBody(req.Header, raw)
		if err != nil {
			err.RequestID = id
			return nil, err
		}
		req.Body = body
	}

	if ref, _, ok := batch.ParseReference(req.URL); ok && !req.DependsOnID(ref) {
		return nil, &batch.DeserializationError{
			RequestID: id,
			Property:  "url",
			Message:   "referenced request " + ref + " must be listed in dependsOn",
		}
	}

	return req, nil
}

// decodeBody converts a JSON body value according to the request's content
// type. JSON media types take any JSON value, text types a string and
// everything else a base64 string. Requests without a content type get
// application/json.
func decodeBody(h http.Header, raw json.RawMessage) ([]byte, *batch.DeserializationError) {
	ct := h.Get("Content-Type")
	if ct == "" {
		ct = MediaType
		h.Set("Content-Type", ct)
	}

	switch bodyKind(ct) {
	case kindJSON:
		return append([]byte(nil), bytes.TrimSpace(raw)...), nil

	case kindText:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, &batch.DeserializationError{Property: "body", Message: "must be a string for content type " + ct}
		}
		return []byte(s), nil

	default:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, &batch.DeserializationError{Property: "body", Message: "must be a base64 string for content type " + ct}
		}
		b, err := decodeBase64(s)
		if err != nil {
			return nil, &batch.DeserializationError{Property: "body", Message: "invalid base64", Err: err}
		}
		return b, nil
	}
}

func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

type kind int

const (
	kindJSON kind = iota
	kindText
	kindBinary
)

func bodyKind(contentType string) kind {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	switch {
	case mediaType == "application/json", strings.HasSuffix(mediaType, "+json"):
		return kindJSON
	case strings.HasPrefix(mediaType, "text/"):
		return kindText
	default:
		return kindBinary
	}
}

func stringProperty(item map[string]json.RawMessage, name string, dst *string, id string) error {
	raw, ok := item[name]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &batch.DeserializationError{RequestID: id, Property: name, Message: "must be a string"}
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
