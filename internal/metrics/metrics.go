// Package metrics exposes the control plane's Prometheus
// gauges/counters/histograms as package-level promauto collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fluxvault_agents_connected",
		Help: "Number of agents currently in the READY state.",
	})
	AgentStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxvault_agent_state_transitions_total",
		Help: "Total number of Keeper-view agent state machine transitions, by target state.",
	}, []string{"state"})
	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fluxvault_poll_duration_seconds",
		Help:    "Duration of one full per-agent task pipeline run.",
		Buckets: prometheus.DefBuckets,
	})
	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxvault_polls_total",
		Help: "Total number of per-agent polling cycles, by outcome.",
	}, []string{"outcome"})

	DirectivesReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxvault_directives_reconciled_total",
		Help: "Total number of directive reconciliations, by strategy and outcome.",
	}, []string{"strategy", "outcome"})
	ObjectsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fluxvault_objects_written_total",
		Help: "Total number of write_object RPCs issued by the state manager.",
	})
	ObjectsRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fluxvault_objects_removed_total",
		Help: "Total number of remote objects removed under the STRICT strategy.",
	})
	BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxvault_bytes_transferred_total",
		Help: "Total bytes transferred to agents, by transfer mode.",
	}, []string{"mode"})

	RPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxvault_rpc_requests_total",
		Help: "Total JSON-RPC requests dispatched, by method and outcome.",
	}, []string{"method", "outcome"})
	RPCRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fluxvault_rpc_request_duration_seconds",
		Help:    "Duration of dispatched JSON-RPC requests, by method.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	EnrollmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxvault_enrollments_total",
		Help: "Total number of agent enrollment attempts (primary and subordinate), by outcome.",
	}, []string{"outcome"})
	CertsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fluxvault_certs_issued_total",
		Help: "Total number of leaf certificates issued by the Keeper CA.",
	})
	CertsRevoked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fluxvault_certs_revoked_total",
		Help: "Total number of leaf certificates revoked by the Keeper CA.",
	})

	TransportFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxvault_transport_failures_total",
		Help: "Total number of transport failures, by symbol.",
	}, []string{"symbol"})

	NodeDirectoryLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxvault_node_directory_lookups_total",
		Help: "Total number of fabric node-directory HTTP lookups, by outcome.",
	}, []string{"outcome"})
)
