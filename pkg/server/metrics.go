package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odata_batch_http_requests_total",
		Help: "Total $batch requests by top-level status code",
	}, []string{"code"})

	asyncJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odata_batch_async_jobs_total",
		Help: "Total respond-async jobs by outcome (accepted, completed, failed)",
	}, []string{"outcome"})
)
