// Package metrics exposes the Prometheus registry of the batch service.
// Metrics are defined next to the code that records them (batch, store,
// upstream, server) and registered via promauto on the default registerer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all packages register their metrics with.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer backing Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Batch Metrics (pkg/batch):
//   - odata_batch_batches_total{semantics, outcome} (Counter): Batches by wire format and outcome (ok, error)
//   - odata_batch_duration_seconds{semantics} (Histogram): Batch processing duration
//   - odata_batch_subrequests_total{status_class} (Counter): Executed sub-requests by 2xx..5xx or error
//   - odata_batch_subrequest_duration_seconds (Histogram): Resource handler duration
//   - odata_batch_short_circuits_total{status} (Counter): Sub-requests answered 424/422 without the handler
//   - odata_batch_group_repeats_total (Counter): Atomicity group repeats
//   - odata_batch_framework_errors_total{source} (Counter): Handler and hook errors
//
// Server Metrics (pkg/server):
//   - odata_batch_http_requests_total{code} (Counter): $batch requests by top-level status
//   - odata_batch_async_jobs_total{outcome} (Counter): respond-async jobs by outcome
//
// Store Metrics (pkg/store):
//   - odata_batch_store_operations_total{operation} (Counter): Result store operations
//   - odata_batch_store_errors_total{operation} (Counter): Result store errors
//
// Upstream Metrics (pkg/upstream):
//   - odata_batch_upstream_requests_total{method, status} (Counter): Forwarded sub-requests
//   - odata_batch_upstream_request_duration_seconds{method} (Histogram): Forwarding duration
//   - odata_batch_upstream_errors_total{class} (Counter): Errors by class (client, server, network)
//   - odata_batch_upstream_retries_total{error_class} (Counter): Retry attempts
//   - odata_batch_upstream_retry_exhausted_total{error_class} (Counter): Requests that exhausted retries
//
// Example Prometheus Queries:
//
//   # Share of sub-requests short-circuited
//   sum(rate(odata_batch_short_circuits_total[5m])) /
//   sum(rate(odata_batch_subrequests_total[5m]))
//
//   # P95 batch latency for JSON batches
//   histogram_quantile(0.95, rate(odata_batch_duration_seconds_bucket{semantics="json"}[5m]))
//
//   # Framework errors by source
//   sum by (source) (rate(odata_batch_framework_errors_total[5m]))
