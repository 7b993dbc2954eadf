package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreOperations tracks result store operations
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "odata_batch_store_operations_total",
			Help: "Total number of async result store operations",
		},
		[]string{"operation"}, // "create", "complete", "get", "delete"
	)

	// StoreErrors tracks result store errors
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "odata_batch_store_errors_total",
			Help: "Total number of async result store errors",
		},
		[]string{"operation"},
	)
)
