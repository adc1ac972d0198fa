// Package metrics holds the Prometheus collectors exported by the router and
// its workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resolution results.
const (
	ResultResolved = "resolved"
	ResultFallback = "fallback"
)

// Routing metrics
var (
	Resolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrouter_routing_resolutions_total",
			Help: "Messages resolved, split by normal resolution and failure-path fallback",
		},
		[]string{"result"},
	)

	Actions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrouter_routing_actions_total",
			Help: "Resolved per-recipient actions by action type",
		},
		[]string{"action"},
	)

	SecurityBlocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailrouter_security_blocks_total",
			Help: "Messages forced to bounce by a hard-fail security verdict",
		},
	)

	DispatchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrouter_dispatch_failures_total",
			Help: "Failed publishes to a per-action dispatch channel",
		},
		[]string{"action"},
	)
)

// Tagging metrics
var (
	TaggingOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrouter_tagging_operations_total",
			Help: "Object tagging attempts by result (tagged, skipped, error)",
		},
		[]string{"result"},
	)
)

// Delivery metrics
var (
	DeliveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrouter_delivery_outcomes_total",
			Help: "Terminal outcomes of delivery units by worker",
		},
		[]string{"worker", "outcome"},
	)

	RetryEnqueues = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrouter_retry_enqueues_total",
			Help: "Credential-expiration retry envelopes by enqueue result",
		},
		[]string{"result"},
	)
)
