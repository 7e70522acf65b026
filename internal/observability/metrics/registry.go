// Package metrics provides centralized Prometheus metrics for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Crawl metrics track fetch and parse behavior per resource type
var (
	// CrawlsTotal counts crawl attempts by resource type and result
	CrawlsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawls_total",
			Help: "Total number of crawl attempts",
		},
		[]string{"resource_type", "result"},
	)

	// FetchDuration measures resource fetch duration in seconds
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fetch_duration_seconds",
			Help:    "Resource fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource_type"},
	)

	// UnmodifiedTotal counts conditional fetches answered 304 or matched by
	// content hash
	UnmodifiedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_unmodified_total",
			Help: "Total number of fetches that found the resource unmodified",
		},
		[]string{"resource_type"},
	)
)

// Controller metrics track scheduling and reconciliation
var (
	// ReconcilesTotal counts resource updates applied by collection,
	// operation, and result
	ReconcilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciles_total",
			Help: "Total number of resource updates reconciled into the store",
		},
		[]string{"collection", "operation", "result"},
	)

	// InflightResources tracks the size of each in-flight dedup set
	InflightResources = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inflight_resources",
			Help: "Number of resources currently enqueued and awaiting reconciliation",
		},
		[]string{"action"},
	)

	// ScheduledTotal counts jobs enqueued by the periodic sweeps
	ScheduledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduled_jobs_total",
			Help: "Total number of crawl/scrape jobs enqueued by the scheduler",
		},
		[]string{"action"},
	)
)

// Event-stream metrics track fan-out to recommendation systems
var (
	// EventsDispatchedTotal counts events routed to connected recsystems
	EventsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_dispatched_total",
			Help: "Total number of events dispatched to recsystem queues",
		},
		[]string{"type"},
	)

	// EventsDroppedTotal counts events dropped from full recsystem backlogs
	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_dropped_total",
			Help: "Total number of events dropped due to a full recsystem backlog",
		},
		[]string{"recsystem"},
	)

	// ConnectedRecsystems tracks currently connected recsystem sockets
	ConnectedRecsystems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "connected_recsystems",
			Help: "Number of recommendation systems with an open event stream",
		},
	)
)

// RPC metrics track the control plane
var (
	// RPCRequestsTotal counts control-plane RPC calls by method and status
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpc_requests_total",
			Help: "Total number of control-plane RPC requests",
		},
		[]string{"method", "status"},
	)
)
