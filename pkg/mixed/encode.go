package mixed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"

	"github.com/Sternrassler/odata-batch/pkg/batch"
	"github.com/google/uuid"
)

// NewBoundary returns a fresh response boundary.
func NewBoundary() string {
	return "batchresponse_" + uuid.NewString()
}

// ContentType returns the multipart/mixed content type for boundary.
func ContentType(boundary string) string {
	return mime.FormatMediaType(MediaType, map[string]string{"boundary": boundary})
}

// Encode writes the responses of ex as a multipart/mixed body.
//
// Responses keep their completion order. The responses of one atomicity
// group are written as a nested change set at the position of the group's
// first response.
func Encode(w io.Writer, ex *batch.Execution, boundary string) error {
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(boundary); err != nil {
		return fmt.Errorf("set boundary: %w", err)
	}

	responses := ex.Responses()
	byGroup := make(map[string][]*batch.Response)
	for _, resp := range responses {
		if resp.AtomicityGroup != "" {
			byGroup[resp.AtomicityGroup] = append(byGroup[resp.AtomicityGroup], resp)
		}
	}

	written := make(map[string]bool)
	for _, resp := range responses {
		g := resp.AtomicityGroup
		if g == "" {
			if err := writeResponsePart(mw, ex, resp); err != nil {
				return err
			}
			continue
		}
		if written[g] {
			continue
		}
		written[g] = true
		if err := writeChangeSet(mw, ex, byGroup[g]); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writeChangeSet(mw *multipart.Writer, ex *batch.Execution, responses []*batch.Response) error {
	boundary := "changesetresponse_" + uuid.NewString()
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", ContentType(boundary))
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	inner := multipart.NewWriter(part)
	if err := inner.SetBoundary(boundary); err != nil {
		return err
	}
	for _, resp := range responses {
		if err := writeResponsePart(inner, ex, resp); err != nil {
			return err
		}
	}
	return inner.Close()
}

func writeResponsePart(mw *multipart.Writer, ex *batch.Execution, resp *batch.Response) error {
	contentID := ""
	if req, ok := ex.Request(resp.RequestID); ok && !req.GeneratedID {
		contentID = req.ID
	}
	statusLine := fmt.Sprintf("HTTP/1.1 %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	return writeHTTPPart(mw, contentID, statusLine, resp.Header, resp.Body)
}

// writeHTTPPart writes an application/http part. Content-Length is
// recomputed from body.
func writeHTTPPart(mw *multipart.Writer, contentID, startLine string, header http.Header, body []byte) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", "application/http")
	h.Set("Content-Transfer-Encoding", "binary")
	if contentID != "" {
		h.Set("Content-ID", contentID)
	}
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.WriteString(startLine)
	buf.WriteString("\r\n")
	header = header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Del("Content-Length")
	if len(body) > 0 {
		header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	if err := header.Write(&buf); err != nil {
		return err
	}
	buf.WriteString("\r\n")
	buf.Write(body)

	_, err = part.Write(buf.Bytes())
	return err
}

// ErrUnorderedDependency is returned by EncodeRequests when a dependsOn
// entry is not implied by multipart document order.
var ErrUnorderedDependency = errors.New("dependency cannot be expressed in multipart order")

// EncodeRequests writes requests as a multipart/mixed batch. Consecutive
// members of one atomicity group form a change set; dependencies are implied
// by document order and not written. Every dependsOn entry must still hold,
// directly or transitively, once the output is decoded again; otherwise
// nothing is written and ErrUnorderedDependency is returned.
func EncodeRequests(w io.Writer, requests []*batch.Request, boundary string) error {
	var buf bytes.Buffer
	if err := writeRequests(&buf, requests, boundary); err != nil {
		return err
	}
	decoded, err := Decode(bytes.NewReader(buf.Bytes()), boundary)
	if err != nil {
		return fmt.Errorf("encoded batch does not decode: %w", err)
	}
	if err := checkOrder(requests, decoded); err != nil {
		return err
	}
	_, err = w.Write(buf.Bytes())
	return err
}

func writeRequests(w io.Writer, requests []*batch.Request, boundary string) error {
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(boundary); err != nil {
		return fmt.Errorf("set boundary: %w", err)
	}

	for i := 0; i < len(requests); {
		g := requests[i].AtomicityGroup
		if g == "" {
			if err := writeRequestPart(mw, requests[i]); err != nil {
				return err
			}
			i++
			continue
		}

		j := i
		for j < len(requests) && requests[j].AtomicityGroup == g {
			j++
		}
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", ContentType(g))
		part, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		inner := multipart.NewWriter(part)
		if err := inner.SetBoundary(g); err != nil {
			return fmt.Errorf("atomicity group %q is not a valid boundary: %w", g, err)
		}
		for _, r := range requests[i:j] {
			if err := writeRequestPart(inner, r); err != nil {
				return err
			}
		}
		if err := inner.Close(); err != nil {
			return err
		}
		i = j
	}
	return mw.Close()
}

// checkOrder verifies that each dependsOn entry of requests is reachable
// through the dependencies decoded from the multipart form. decoded[i]
// corresponds to requests[i]; a group reaches its members.
func checkOrder(requests, decoded []*batch.Request) error {
	if len(decoded) != len(requests) {
		return fmt.Errorf("encoded batch decodes to %d requests, want %d", len(decoded), len(requests))
	}

	ids := make(map[string]string, len(decoded))
	for i, d := range decoded {
		ids[d.ID] = requests[i].ID
	}
	edges := make(map[string][]string)
	for i, d := range decoded {
		id := requests[i].ID
		for _, dep := range d.DependsOn {
			if orig, ok := ids[dep]; ok {
				dep = orig
			}
			edges[id] = append(edges[id], dep)
		}
		if g := d.AtomicityGroup; g != "" {
			edges[g] = append(edges[g], id)
		}
	}

	for _, r := range requests {
		if len(r.DependsOn) == 0 {
			continue
		}
		reach := reachable(edges, r.ID)
		for _, dep := range r.DependsOn {
			if !reach[dep] {
				return fmt.Errorf("%w: request %q depends on %q", ErrUnorderedDependency, r.ID, dep)
			}
		}
	}
	return nil
}

func reachable(edges map[string][]string, from string) map[string]bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), edges[from]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, edges[n]...)
	}
	return seen
}

func writeRequestPart(mw *multipart.Writer, r *batch.Request) error {
	contentID := ""
	if !r.GeneratedID {
		contentID = r.ID
	}
	return writeHTTPPart(mw, contentID, r.Method+" "+r.URL+" HTTP/1.1", r.Header, r.Body)
}
