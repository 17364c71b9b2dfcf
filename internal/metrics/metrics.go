// Package metrics registers the payment core's Prometheus collectors on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payments_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "route"})

	IntentRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_intent_requests_total",
		Help: "CreateOrGet calls by result (new, existing, still_processing, conflict, provider_unavailable)",
	}, []string{"result"})

	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_provider_calls_total",
		Help: "Gateway calls by operation and result",
	}, []string{"operation", "result"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payments_provider_call_duration_seconds",
		Help:    "Gateway call latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	LedgerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_ledger_events_total",
		Help: "Reconciled events by source and ledger outcome",
	}, []string{"source", "outcome"})

	DuplicateEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_duplicate_events_total",
		Help: "Events dropped because their provider event id was already in the ledger",
	}, []string{"source"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_transitions_total",
		Help: "Applied status transitions",
	}, []string{"from", "to"})

	OrphanRequeues = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_orphan_requeues_total",
		Help: "Events requeued because no intent matched their provider reference",
	})

	SweeperChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_sweeper_checks_total",
		Help: "Sweeper checks by kind and result",
	}, []string{"kind", "result"})

	SweeperRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payments_sweeper_run_duration_seconds",
		Help:    "Duration of one sweeper pass",
		Buckets: prometheus.DefBuckets,
	})

	OperatorAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_operator_alerts_total",
		Help: "Conditions escalated to an operator",
	}, []string{"reason"})
)
