// Package mixed reads and writes multipart/mixed batch payloads.
//
// Decoding turns the document order of the payload into explicit
// dependencies, so the batch engine only ever sees a dependency graph:
//
//   - a top-level change request depends on the previous top-level change
//     request or change set
//   - a top-level GET depends on nothing
//   - a change set member depends on the previous top-level change and on
//     every earlier member of its change set
//   - a $<id> URL reference adds a dependency on the referenced request and,
//     if that request belongs to another change set, on the change set
package mixed

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/Sternrassler/odata-batch/pkg/batch"
)

// MediaType is the media type of multipart batch payloads.
const MediaType = "multipart/mixed"

// Boundary extracts the boundary parameter from a multipart/mixed content
// type.
func Boundary(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", &batch.DeserializationError{Message: "invalid content type", Err: err}
	}
	if mediaType != MediaType {
		return "", batch.Deserializationf("", "unexpected content type %q", mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return "", batch.Deserializationf("", "missing multipart boundary")
	}
	return boundary, nil
}

type decoder struct {
	requests []*batch.Request
	byID     map[string]*batch.Request // client supplied ids only
	nextAuto int
}

// Decode reads a multipart batch and returns the validated sub-requests.
func Decode(r io.Reader, boundary string) ([]*batch.Request, error) {
	d := &decoder{byID: make(map[string]*batch.Request)}
	mr := multipart.NewReader(r, boundary)

	prevChange := ""
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &batch.DeserializationError{Message: "malformed multipart body", Err: err}
		}

		mediaType, params, err := partMediaType(part.Header)
		if err != nil {
			return nil, err
		}

		switch mediaType {
		case MediaType:
			group := params["boundary"]
			if group == "" {
				return nil, batch.Deserializationf("", "change set without boundary")
			}
			if err := d.changeSet(part, group, prevChange); err != nil {
				return nil, err
			}
			prevChange = group

		case "application/http":
			req, err := d.request(part, part.Header, "")
			if err != nil {
				return nil, err
			}
			if req.IsChange() {
				if prevChange != "" {
					addDependency(req, prevChange)
				}
				prevChange = req.ID
			}
			if err := d.reference(req); err != nil {
				return nil, err
			}
			d.add(req)

		default:
			return nil, batch.Deserializationf("", "unsupported part content type %q", mediaType)
		}
	}

	if err := batch.Validate(d.requests); err != nil {
		return nil, err
	}
	return d.requests, nil
}

func (d *decoder) changeSet(r io.Reader, group, prevChange string) error {
	mr := multipart.NewReader(r, group)
	var members []string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return &batch.DeserializationError{Message: "malformed change set", Err: err}
		}

		mediaType, _, err := partMediaType(part.Header)
		if err != nil {
			return err
		}
		if mediaType == MediaType {
			return batch.Deserializationf("", "change set %q contains a nested change set", group)
		}
		if mediaType != "application/http" {
			return batch.Deserializationf("", "unsupported part content type %q", mediaType)
		}

		req, err := d.request(part, part.Header, group)
		if err != nil {
			return err
		}
		if prevChange != "" {
			addDependency(req, prevChange)
		}
		for _, m := range members {
			addDependency(req, m)
		}
		if err := d.reference(req); err != nil {
			return err
		}
		members = append(members, req.ID)
		d.add(req)
	}
}

func (d *decoder) add(req *batch.Request) {
	d.requests = append(d.requests, req)
	if !req.GeneratedID {
		d.byID[req.ID] = req
	}
}

// reference adds the dependencies implied by a $<id> URL.
func (d *decoder) reference(req *batch.Request) error {
	id, _, ok := batch.ParseReference(req.URL)
	if !ok {
		return nil
	}
	target, found := d.byID[id]
	if !found {
		return &batch.DeserializationError{
			RequestID: req.ID,
			Message:   fmt.Sprintf("URL references unknown request %q", id),
		}
	}
	addDependency(req, target.ID)
	if g := target.AtomicityGroup; g != "" && g != req.AtomicityGroup {
		addDependency(req, g)
	}
	return nil
}

// request parses one application/http part.
func (d *decoder) request(r io.Reader, partHeader textproto.MIMEHeader, group string) (*batch.Request, error) {
	br := bufio.NewReader(r)
	tp := textproto.NewReader(br)

	line, err := tp.ReadLine()
	for err == nil && strings.TrimSpace(line) == "" {
		line, err = tp.ReadLine()
	}
	if err != nil {
		return nil, &batch.DeserializationError{Message: "missing request line", Err: err}
	}

	method, target, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, &batch.DeserializationError{Message: "malformed request headers", Err: err}
	}

	body, err := io.ReadAll(br)
	if err != nil {
		return nil, &batch.DeserializationError{Message: "reading request body", Err: err}
	}

	req := &batch.Request{
		Method:         method,
		URL:            target,
		Header:         http.Header(header),
		AtomicityGroup: group,
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}

	if cl := req.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.Atoi(cl); err == nil && n >= 0 && n <= len(body) {
			body = body[:n]
		}
	} else {
		// The blank line closing the part, if any. The line break before
		// the delimiter belongs to the delimiter and is already gone.
		body = trimLineBreak(body)
	}
	if len(body) > 0 {
		req.Body = body
	}

	id := strings.TrimSpace(partHeader.Get("Content-Id"))
	if id == "" {
		id = strings.TrimSpace(req.Header.Get("Content-Id"))
	}
	req.Header.Del("Content-Id")
	if id == "" {
		id = "~" + strconv.Itoa(d.nextAuto)
		d.nextAuto++
		req.GeneratedID = true
	}
	req.ID = id

	return req, nil
}

func trimLineBreak(body []byte) []byte {
	if b, ok := bytes.CutSuffix(body, []byte("\r\n")); ok {
		return b
	}
	if b, ok := bytes.CutSuffix(body, []byte("\n")); ok {
		return b
	}
	return body
}

// parseRequestLine splits "METHOD target HTTP/x.y". http.ReadRequest is not
// used because it rejects relative and $<id> targets.
func parseRequestLine(line string) (method, target string, err error) {
	fields := strings.Fields(line)
	if len(fields) != 3 || !strings.HasPrefix(fields[2], "HTTP/") {
		return "", "", batch.Deserializationf("", "malformed request line %q", line)
	}
	method = strings.ToUpper(fields[0])
	for _, c := range method {
		if c < 'A' || c > 'Z' {
			return "", "", batch.Deserializationf("", "invalid method %q", fields[0])
		}
	}
	return method, fields[1], nil
}

func partMediaType(h textproto.MIMEHeader) (string, map[string]string, error) {
	ct := h.Get("Content-Type")
	if ct == "" {
		return "", nil, batch.Deserializationf("", "part without content type")
	}
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return "", nil, &batch.DeserializationError{Message: "invalid part content type", Err: err}
	}
	return mediaType, params, nil
}

func addDependency(req *batch.Request, id string) {
	if id == req.ID || req.DependsOnID(id) {
		return
	}
	req.DependsOn = append(req.DependsOn, id)
}
