package batch

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for batch execution.
var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odata_batch_batches_total",
		Help: "Total batches processed by semantics and outcome",
	}, []string{"semantics", "outcome"}) // outcome: "ok", "error"

	batchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odata_batch_duration_seconds",
		Help:    "Batch processing duration in seconds by semantics",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"semantics"})

	subrequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odata_batch_subrequests_total",
		Help: "Total sub-requests executed by status class",
	}, []string{"status_class"}) // "2xx", "3xx", "4xx", "5xx", "error"

	subrequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "odata_batch_subrequest_duration_seconds",
		Help:    "Sub-request handler duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	shortCircuitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odata_batch_short_circuits_total",
		Help: "Total sub-requests completed without calling the handler by status",
	}, []string{"status"}) // "424", "422"

	groupRepeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "odata_batch_group_repeats_total",
		Help: "Total atomicity group repeats requested by group end hooks",
	})

	frameworkErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odata_batch_framework_errors_total",
		Help: "Total framework-level errors by source",
	}, []string{"source"}) // "handler", "batch_start", "batch_end", "group_start", "group_end", "repeat_limit"
)

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
