// Package metrics exposes Prometheus counters and gauges for call
// routing and event processing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the application's own prometheus registry, kept separate
// from the default one so only our metrics are served.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

// CallsTotal counts finished calls by team and outcome
var CallsTotal = factory.NewCounterVec(prometheus.CounterOpts{
	Namespace: "acd",
	Name:      "calls_total",
	Help:      "Finished calls by team and outcome",
}, []string{"team", "outcome"})

// BridgeFailures counts bridge commands the switch rejected
var BridgeFailures = factory.NewCounter(prometheus.CounterOpts{
	Namespace: "acd",
	Name:      "bridge_failures_total",
	Help:      "Bridge commands rejected by the switch",
})

// OverflowAppends counts calls diverted to the overflow queue
var OverflowAppends = factory.NewCounter(prometheus.CounterOpts{
	Namespace: "acd",
	Name:      "overflow_appends_total",
	Help:      "Calls appended to the overflow queue",
})

// OverflowDepth is the current overflow queue length
var OverflowDepth = factory.NewGauge(prometheus.GaugeOpts{
	Namespace: "acd",
	Name:      "overflow_depth",
	Help:      "Current number of entries in the overflow queue",
})

// IdleAgents is the current idle agent count per team
var IdleAgents = factory.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "acd",
	Name:      "idle_agents",
	Help:      "Idle agents currently available per team",
}, []string{"team"})

// ActiveCalls is the current active call count per team
var ActiveCalls = factory.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "acd",
	Name:      "active_calls",
	Help:      "Active calls currently registered per team",
}, []string{"team"})

// EventsProcessed counts events handled successfully
var EventsProcessed = factory.NewCounter(prometheus.CounterOpts{
	Namespace: "acd",
	Name:      "events_processed_total",
	Help:      "Telephony events processed successfully",
})

// EventsFailed counts failed processing attempts by finality
var EventsFailed = factory.NewCounterVec(prometheus.CounterOpts{
	Namespace: "acd",
	Name:      "events_failed_total",
	Help:      "Failed event processing attempts, terminal or retryable",
}, []string{"terminal"})

// EventsRetried counts events picked up again by the retry scan
var EventsRetried = factory.NewCounter(prometheus.CounterOpts{
	Namespace: "acd",
	Name:      "events_retried_total",
	Help:      "Events re-processed by the retry worker",
})

// OrphansReaped counts busy agents freed by the orphan reaper
var OrphansReaped = factory.NewCounter(prometheus.CounterOpts{
	Namespace: "acd",
	Name:      "orphans_reaped_total",
	Help:      "Busy agents freed because their call no longer exists",
})

// PipelineObserver adapts the counters above to the event pipeline's
// notification interface.
type PipelineObserver struct{}

func (PipelineObserver) EventProcessed() {
	EventsProcessed.Inc()
}

func (PipelineObserver) EventFailed(terminal bool) {
	if terminal {
		EventsFailed.WithLabelValues("true").Inc()
	} else {
		EventsFailed.WithLabelValues("false").Inc()
	}
}

func (PipelineObserver) EventRetried() {
	EventsRetried.Inc()
}
