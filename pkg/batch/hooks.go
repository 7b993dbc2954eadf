package batch

import "context"

// GroupEndResult is returned by a GroupEnd hook.
type GroupEndResult struct {
	// Repeat resets every member of the group to open and discards the
	// responses recorded for it.
	Repeat bool
}

// Hooks are optional lifecycle callbacks. An error from any hook is a
// framework-level error.
type Hooks struct {
	// BatchStart runs before any sub-request. An error aborts the batch.
	BatchStart func(ctx context.Context, ex *Execution) error

	// BatchEnd runs after scheduling terminates. err is the first
	// framework-level error, failed lists the ungrouped failures. A non-nil
	// return replaces err as the batch result.
	BatchEnd func(ctx context.Context, err error, ex *Execution, failed []Failure) error

	// GroupStart runs once before the first member of group starts. An error
	// fails the group.
	GroupStart func(ctx context.Context, ex *Execution, group string) error

	// GroupEnd runs after every member of a started group settled. err is
	// the framework-level error recorded for the group, if any.
	GroupEnd func(ctx context.Context, err error, ex *Execution, failed []Failure, group string) (GroupEndResult, error)
}
