// Package store keeps the outcome of asynchronously processed batches in
// Redis, so a client can poll the status monitor after a respond-async
// request.
package store

import (
	"time"
)

// Status is the processing state of an asynchronous batch.
type Status string

const (
	// StatusRunning means the batch is still being processed.
	StatusRunning Status = "running"

	// StatusCompleted means the composite response is available.
	StatusCompleted Status = "completed"

	// StatusFailed means the batch could not produce a composite response.
	StatusFailed Status = "failed"
)

// Result is the stored state of one asynchronous batch.
type Result struct {
	// ID is the job id used in the status monitor URL.
	ID string `json:"id"`

	Status Status `json:"status"`

	// StatusCode, ContentType and Body hold the composite response once the
	// batch completed or failed.
	StatusCode  int    `json:"status_code,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`

	// Error is the framework-level error of the batch, if any.
	Error string `json:"error,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// Expires is when the result is dropped from the store.
	Expires time.Time `json:"expires"`
}

// Done reports whether the batch is no longer running.
func (r *Result) Done() bool {
	return r.Status != StatusRunning
}

// IsExpired returns true if the result has expired.
func (r *Result) IsExpired() bool {
	return time.Now().After(r.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (r *Result) TTL() time.Duration {
	ttl := time.Until(r.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Key returns the Redis key of result id.
func Key(id string) string {
	return "odata:batch:result:" + id
}
