// Package batch implements the OData $batch execution engine.
//
// A batch is a list of sub-requests, optionally grouped into atomicity groups
// (change sets), with explicit dependencies between them. The engine does not
// interpret resource semantics: every sub-request is handed to a
// ResourceHandler and only the resulting status code and Location header are
// observed.
//
// # Flow
//
//	payload -> decoder (pkg/mixed or pkg/jsonbatch)
//	        -> Validator (multipart runs it after decoding, JSON while decoding)
//	        -> Execution (per-batch state)
//	        -> Processor.Process (scheduler + single-request executor + hooks)
//	        -> encoder (pkg/mixed or pkg/jsonbatch)
//
// # Scheduling
//
// The scheduler is an event loop. Each pass scans the open requests in
// document order and either dispatches them, keeps them waiting, or completes
// them synthetically:
//
//   - 424 Failed Dependency when a dependency (request or group) failed, or
//     the request's own atomicity group failed
//   - 422 Unprocessable Entity when strict JSON semantics forbid any further
//     start after a permanent group failure
//
// Dispatched requests run concurrently, bounded by Config.MaxConcurrency.
// Completions, group start hooks and group end hooks report back to the loop
// through a channel, so all scheduling state is owned by a single goroutine.
// Mutations of the shared Execution are guarded by its mutex.
//
// # Hooks
//
// Hooks are optional. GroupEnd may ask for a repeat of the whole group; the
// number of repeats is capped by Config.MaxGroupRepeats.
//
// # Metrics
//
//   - odata_batch_batches_total{semantics,outcome}
//   - odata_batch_duration_seconds{semantics}
//   - odata_batch_subrequests_total{status_class}
//   - odata_batch_subrequest_duration_seconds
//   - odata_batch_short_circuits_total{status}
//   - odata_batch_group_repeats_total
//   - odata_batch_framework_errors_total{source}
package batch
