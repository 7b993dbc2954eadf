package batch

import (
	"net/http"
	"strings"
)

// Semantics identifies the wire format a request list was decoded from.
type Semantics string

const (
	// SemanticsMultipart is the multipart/mixed format (OData 4.0).
	SemanticsMultipart Semantics = "multipart"

	// SemanticsJSON is the JSON batch format (OData 4.01).
	SemanticsJSON Semantics = "json"
)

// Request is one sub-request of a batch.
//
// A Request is immutable after decoding. The executor resolves $<id>
// references on a copy handed to the handler, so the original URL survives
// group repeats.
type Request struct {
	// ID is unique within the batch and case-sensitive.
	ID string

	// GeneratedID is true when ID was assigned by the decoder (~0, ~1, ...).
	// Generated ids cannot be referenced through $<id>.
	GeneratedID bool

	Method string
	URL    string
	Header http.Header
	Body   []byte

	// AtomicityGroup is empty for requests that run independently.
	AtomicityGroup string

	// DependsOn lists request or group ids that must finish first.
	DependsOn []string
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = http.Header{}
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	if r.DependsOn != nil {
		c.DependsOn = append([]string(nil), r.DependsOn...)
	}
	return &c
}

// DependsOnID reports whether id is listed in DependsOn.
func (r *Request) DependsOnID(id string) bool {
	for _, d := range r.DependsOn {
		if d == id {
			return true
		}
	}
	return false
}

// IsChange reports whether the method modifies data.
func (r *Request) IsChange() bool {
	switch strings.ToUpper(r.Method) {
	case http.MethodGet, http.MethodHead:
		return false
	default:
		return true
	}
}

// Response is the outcome of one sub-request.
type Response struct {
	RequestID      string
	AtomicityGroup string
	StatusCode     int
	Header         http.Header
	Body           []byte
}

// Failed reports whether the status code is an HTTP error (400-599).
func (r *Response) Failed() bool {
	return IsFailureStatus(r.StatusCode)
}

// IsFailureStatus reports whether code is in the 400-599 range.
func IsFailureStatus(code int) bool {
	return code >= 400 && code < 600
}

// Failure records a failed sub-request.
type Failure struct {
	RequestID  string
	StatusCode int

	// Err is set for framework-level errors (handler or hook returned an
	// error) and nil for ordinary HTTP error statuses.
	Err error
}

// reservedSegments are system resources, never content-id references.
var reservedSegments = map[string]bool{
	"$batch":     true,
	"$crossjoin": true,
	"$all":       true,
	"$entity":    true,
	"$root":      true,
	"$id":        true,
	"$metadata":  true,
}

// ValidID reports whether s is a syntactically valid request id token:
// letters, digits and -.~_
func ValidID(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '~', c == '_':
		default:
			return false
		}
	}
	return true
}

// ParseReference extracts a $<id> reference from the first path segment of
// rawURL. It returns the referenced id and the remainder of the URL following
// the reference, or ok=false if rawURL does not start with a reference.
func ParseReference(rawURL string) (id, rest string, ok bool) {
	u := strings.TrimPrefix(rawURL, "/")
	if !strings.HasPrefix(u, "$") {
		return "", "", false
	}
	end := strings.IndexAny(u, "/?#")
	seg := u
	if end >= 0 {
		seg, rest = u[:end], u[end:]
	}
	if reservedSegments[seg] {
		return "", "", false
	}
	id = seg[1:]
	if !ValidID(id) {
		return "", "", false
	}
	return id, rest, true
}

// ResolveReference replaces the $<id> reference at the start of rawURL with
// location. rawURL is returned unchanged if it carries no reference.
func ResolveReference(rawURL, location string) string {
	_, rest, ok := ParseReference(rawURL)
	if !ok {
		return rawURL
	}
	if strings.HasPrefix(rest, "/") {
		return strings.TrimSuffix(location, "/") + rest
	}
	return location + rest
}
