package batch

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Options configure an Execution.
type Options struct {
	Semantics Semantics

	// ContinueOnError comes from the client's continue-on-error preference.
	ContinueOnError bool

	// Boundary is the multipart boundary of the request payload, reused for
	// the response when set.
	Boundary string
}

// Execution is the mutable state of one batch invocation.
//
// It is shared between the scheduler loop, the goroutines executing
// sub-requests and the lifecycle hooks; every method is safe for concurrent
// use.
type Execution struct {
	id   string
	opts Options

	mu        sync.Mutex
	order     []string
	requests  map[string]*Request
	groups    map[string][]string
	responses []*Response
	locations map[string]string

	// failedRequests is keyed by atomicity group; "" collects ungrouped
	// failures.
	failedRequests map[string][]Failure
	failedIDs      map[string]bool

	// failedGroups marks a group failed by key presence. The value is the
	// framework-level error, if any.
	failedGroups map[string]error

	// frameworkErrors keeps framework-level errors in the order they were
	// encountered.
	frameworkErrors []groupError
}

type groupError struct {
	group string
	err   error
}

// NewExecution creates the state for one batch. Request ids must be unique.
func NewExecution(requests []*Request, opts Options) (*Execution, error) {
	if opts.Semantics == "" {
		opts.Semantics = SemanticsJSON
	}
	ex := &Execution{
		id:             uuid.NewString(),
		opts:           opts,
		requests:       make(map[string]*Request, len(requests)),
		groups:         make(map[string][]string),
		locations:      make(map[string]string),
		failedRequests: make(map[string][]Failure),
		failedIDs:      make(map[string]bool),
		failedGroups:   make(map[string]error),
	}
	for _, r := range requests {
		if _, dup := ex.requests[r.ID]; dup {
			return nil, Deserializationf(r.ID, "duplicate request id")
		}
		ex.requests[r.ID] = r
		ex.order = append(ex.order, r.ID)
		if r.AtomicityGroup != "" {
			ex.groups[r.AtomicityGroup] = append(ex.groups[r.AtomicityGroup], r.ID)
		}
	}
	for g := range ex.groups {
		if _, clash := ex.requests[g]; clash {
			return nil, Deserializationf(g, "request id collides with atomicity group id")
		}
	}
	return ex, nil
}

// ID identifies the batch in logs and traces.
func (ex *Execution) ID() string { return ex.id }

// Semantics returns the wire format the batch was decoded from.
func (ex *Execution) Semantics() Semantics { return ex.opts.Semantics }

// ContinueOnError reports the client's continue-on-error preference.
func (ex *Execution) ContinueOnError() bool { return ex.opts.ContinueOnError }

// Boundary returns the multipart boundary of the request payload.
func (ex *Execution) Boundary() string { return ex.opts.Boundary }

// Len returns the number of sub-requests.
func (ex *Execution) Len() int { return len(ex.order) }

// Requests returns the sub-requests in document order.
func (ex *Execution) Requests() []*Request {
	out := make([]*Request, len(ex.order))
	for i, id := range ex.order {
		out[i] = ex.requests[id]
	}
	return out
}

// Request returns the sub-request with the given id.
func (ex *Execution) Request(id string) (*Request, bool) {
	r, ok := ex.requests[id]
	return r, ok
}

// IsGroup reports whether id names an atomicity group.
func (ex *Execution) IsGroup(id string) bool {
	_, ok := ex.groups[id]
	return ok
}

// Groups returns the atomicity group ids in order of first appearance.
func (ex *Execution) Groups() []string {
	seen := make(map[string]bool, len(ex.groups))
	var out []string
	for _, id := range ex.order {
		g := ex.requests[id].AtomicityGroup
		if g != "" && !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	return out
}

// GroupMembers returns the request ids of group g in document order.
func (ex *Execution) GroupMembers(g string) []string {
	return append([]string(nil), ex.groups[g]...)
}

// Responses returns the recorded responses in completion order.
func (ex *Execution) Responses() []*Response {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return append([]*Response(nil), ex.responses...)
}

// Location returns the Location header recorded for a successful request.
func (ex *Execution) Location(id string) (string, bool) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	loc, ok := ex.locations[id]
	return loc, ok
}

// RequestFailed reports whether request id has a recorded failure.
func (ex *Execution) RequestFailed(id string) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.failedIDs[id]
}

// GroupFailed reports whether group g (or "" for ungrouped requests) is
// marked failed, and the framework-level error attached to it, if any.
func (ex *Execution) GroupFailed(g string) (bool, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	err, ok := ex.failedGroups[g]
	return ok, err
}

// FailedGroups returns the keys of all failed groups.
func (ex *Execution) FailedGroups() []string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	out := make([]string, 0, len(ex.failedGroups))
	for g := range ex.failedGroups {
		out = append(out, g)
	}
	return out
}

// FailedRequests returns the failures recorded for group g, "" for
// ungrouped requests.
func (ex *Execution) FailedRequests(g string) []Failure {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return append([]Failure(nil), ex.failedRequests[g]...)
}

// FirstError returns the first framework-level error that was not discarded
// by a group repeat.
func (ex *Execution) FirstError() error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if len(ex.frameworkErrors) == 0 {
		return nil
	}
	return ex.frameworkErrors[0].err
}

// record stores resp and, for error statuses, the failure. A successful
// response carrying a Location header makes it available for $<id>
// resolution.
func (ex *Execution) record(r *Request, resp *Response) {
	resp.RequestID = r.ID
	resp.AtomicityGroup = r.AtomicityGroup

	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.responses = append(ex.responses, resp)
	if resp.Failed() {
		ex.failLocked(r, Failure{RequestID: r.ID, StatusCode: resp.StatusCode})
		return
	}
	if loc := resp.Header.Get("Location"); loc != "" {
		ex.locations[r.ID] = loc
	}
}

// recordFrameworkError marks r and its group failed with err and stores a
// synthetic 500 response for it.
func (ex *Execution) recordFrameworkError(r *Request, err error) {
	resp := errorResponse(500, "internal error while processing request")
	resp.RequestID = r.ID
	resp.AtomicityGroup = r.AtomicityGroup

	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.responses = append(ex.responses, resp)
	ex.failLocked(r, Failure{RequestID: r.ID, StatusCode: resp.StatusCode, Err: err})
	ex.markGroupLocked(r.AtomicityGroup, err)
}

// failGroup marks group g failed with a framework-level error.
func (ex *Execution) failGroup(g string, err error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.markGroupLocked(g, err)
}

func (ex *Execution) failLocked(r *Request, f Failure) {
	ex.failedIDs[r.ID] = true
	ex.failedRequests[r.AtomicityGroup] = append(ex.failedRequests[r.AtomicityGroup], f)
	if r.AtomicityGroup != "" {
		if _, ok := ex.failedGroups[r.AtomicityGroup]; !ok {
			ex.failedGroups[r.AtomicityGroup] = nil
		}
	}
}

func (ex *Execution) markGroupLocked(g string, err error) {
	if prev := ex.failedGroups[g]; prev == nil {
		ex.failedGroups[g] = err
	}
	if err != nil {
		ex.frameworkErrors = append(ex.frameworkErrors, groupError{group: g, err: err})
	}
}

// resetGroup discards everything recorded for group g before a repeat.
func (ex *Execution) resetGroup(g string) {
	members := ex.groups[g]

	ex.mu.Lock()
	defer ex.mu.Unlock()
	kept := ex.responses[:0]
	for _, resp := range ex.responses {
		if resp.AtomicityGroup != g {
			kept = append(kept, resp)
		}
	}
	ex.responses = kept
	for _, id := range members {
		delete(ex.locations, id)
		delete(ex.failedIDs, id)
	}
	delete(ex.failedRequests, g)
	delete(ex.failedGroups, g)
	errs := ex.frameworkErrors[:0]
	for _, ge := range ex.frameworkErrors {
		if ge.group != g {
			errs = append(errs, ge)
		}
	}
	ex.frameworkErrors = errs
}

// String implements fmt.Stringer for log output.
func (ex *Execution) String() string {
	return fmt.Sprintf("batch %s (%s, %d requests)", ex.id, ex.opts.Semantics, len(ex.order))
}
