package testutil

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/Sternrassler/odata-batch/pkg/batch"
)

// Step is one scripted outcome of a sub-request.
type Step struct {
	Status   int
	Location string
	Body     string
	Err      error
	Delay    time.Duration
}

// Call is one recorded handler invocation.
type Call struct {
	ID     string
	Method string
	URL    string
	Start  int // sequence number at entry
	End    int // sequence number at exit
}

// ScriptedHandler is a batch.ResourceHandler with per-request-id scripts.
//
// Each call to a request id consumes the next Step of its script; the last
// step repeats. Unscripted ids answer 200.
type ScriptedHandler struct {
	mu         sync.Mutex
	scripts    map[string][]Step
	calls      []Call
	seq        int
	running    int
	maxRunning int
	callsPerID map[string]int
}

// NewScriptedHandler creates an empty scripted handler.
func NewScriptedHandler() *ScriptedHandler {
	return &ScriptedHandler{
		scripts:    make(map[string][]Step),
		callsPerID: make(map[string]int),
	}
}

// Script sets the steps for request id.
func (h *ScriptedHandler) Script(id string, steps ...Step) *ScriptedHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scripts[id] = steps
	return h
}

// Process implements batch.ResourceHandler.
func (h *ScriptedHandler) Process(ctx context.Context, r *batch.Request) (*batch.Response, error) {
	h.mu.Lock()
	h.seq++
	idx := len(h.calls)
	h.calls = append(h.calls, Call{ID: r.ID, Method: r.Method, URL: r.URL, Start: h.seq})
	n := h.callsPerID[r.ID]
	h.callsPerID[r.ID] = n + 1
	h.running++
	h.maxRunning = max(h.maxRunning, h.running)
	step := Step{Status: http.StatusOK}
	if steps := h.scripts[r.ID]; len(steps) > 0 {
		step = steps[min(n, len(steps)-1)]
	}
	h.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
		}
	}

	h.mu.Lock()
	h.seq++
	h.calls[idx].End = h.seq
	h.running--
	h.mu.Unlock()

	if step.Err != nil {
		return nil, step.Err
	}
	resp := &batch.Response{StatusCode: step.Status, Header: http.Header{}}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if step.Location != "" {
		resp.Header.Set("Location", step.Location)
	}
	if step.Body != "" {
		resp.Header.Set("Content-Type", "application/json")
		resp.Body = []byte(step.Body)
	}
	return resp, nil
}

// Calls returns the recorded invocations in start order.
func (h *ScriptedHandler) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.calls...)
}

// Call returns the last invocation for id.
func (h *ScriptedHandler) Call(id string) (Call, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.calls) - 1; i >= 0; i-- {
		if h.calls[i].ID == id {
			return h.calls[i], true
		}
	}
	return Call{}, false
}

// CallCount returns how often id was executed.
func (h *ScriptedHandler) CallCount(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.callsPerID[id]
}

// MaxConcurrent returns the highest number of simultaneous calls observed.
func (h *ScriptedHandler) MaxConcurrent() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxRunning
}
