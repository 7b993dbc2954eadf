package batch

import (
	"net/http"
)

// forbiddenHeaders must not appear on any sub-request.
var forbiddenHeaders = []string{
	"Authorization",
	"Proxy-Authorization",
	"Expect",
	"From",
	"Max-Forwards",
	"Range",
	"Te",
}

// ForbiddenHeader returns the first forbidden header present in h.
func ForbiddenHeader(h http.Header) (string, bool) {
	for _, name := range forbiddenHeaders {
		if _, ok := h[name]; ok {
			return name, true
		}
	}
	// Decoders may store non-canonical keys.
	for key := range h {
		canonical := http.CanonicalHeaderKey(key)
		for _, name := range forbiddenHeaders {
			if canonical == name {
				return name, true
			}
		}
	}
	return "", false
}

// Validator checks a request list incrementally, in document order.
//
// The multipart decoder runs it over the finished list; the JSON decoder
// feeds requests one by one while parsing so the first violation wins.
type Validator struct {
	requests map[string]*Request
	groups   map[string]bool
}

// NewValidator returns an empty validator.
func NewValidator() *Validator {
	return &Validator{
		requests: make(map[string]*Request),
		groups:   make(map[string]bool),
	}
}

// Add validates r against the requests added before it and records it.
func (v *Validator) Add(r *Request) error {
	if r.ID == "" {
		return Deserializationf("", "request id is required")
	}
	if name, ok := ForbiddenHeader(r.Header); ok {
		return &DeserializationError{RequestID: r.ID, Property: name, Message: "forbidden header"}
	}
	if _, dup := v.requests[r.ID]; dup {
		return Deserializationf(r.ID, "duplicate request id")
	}
	if v.groups[r.ID] {
		return Deserializationf(r.ID, "request id collides with atomicity group id")
	}

	group := r.AtomicityGroup
	if group != "" && !v.groups[group] {
		if _, clash := v.requests[group]; clash || group == r.ID {
			return Deserializationf(r.ID, "atomicity group id %q collides with a request id", group)
		}
	}

	for _, dep := range r.DependsOn {
		if dep == r.ID {
			return Deserializationf(r.ID, "request depends on itself")
		}
		if group != "" && dep == group {
			return Deserializationf(r.ID, "request depends on its own atomicity group %q", group)
		}
		if v.groups[dep] {
			continue
		}
		target, ok := v.requests[dep]
		if !ok {
			return Deserializationf(r.ID, "dependency %q is not a preceding request or atomicity group", dep)
		}
		if target.AtomicityGroup != "" && target.AtomicityGroup != group && !r.DependsOnID(target.AtomicityGroup) {
			return Deserializationf(r.ID,
				"dependency %q belongs to atomicity group %q which must also be listed", dep, target.AtomicityGroup)
		}
	}

	v.requests[r.ID] = r
	if group != "" {
		v.groups[group] = true
	}
	return nil
}

// Validate runs a Validator over the complete list.
func Validate(requests []*Request) error {
	v := NewValidator()
	for _, r := range requests {
		if err := v.Add(r); err != nil {
			return err
		}
	}
	return nil
}
