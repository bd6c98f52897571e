// Package metrics holds the Prometheus collectors exported by tmpmail.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tmpmail_connections_total",
			Help: "Total number of SMTP connections accepted",
		},
	)

	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tmpmail_connections_current",
			Help: "Current number of open SMTP connections",
		},
	)

	ConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tmpmail_connection_duration_seconds",
			Help:    "Duration of SMTP connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tmpmail_protocol_errors_total",
			Help: "Connections dropped because of a protocol error",
		},
		[]string{"kind"},
	)
)

// Store metrics
var (
	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tmpmail_messages_persisted_total",
			Help: "Messages handed to the store, by result",
		},
		[]string{"status"},
	)

	MessagesForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tmpmail_messages_forwarded_total",
			Help: "Stored messages handed to the forwarder, by provider and result",
		},
		[]string{"provider", "status"},
	)

	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tmpmail_store_operation_duration_seconds",
			Help:    "Duration of store operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation"},
	)
)

// Retention metrics
var (
	SweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tmpmail_sweeps_total",
			Help: "Retention sweeps run, by result",
		},
		[]string{"status"},
	)

	MessagesPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tmpmail_messages_pruned_total",
			Help: "Messages deleted by the retention sweeper",
		},
	)
)
