package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outboxflow_events_total",
			Help: "Outbox event outcomes by stage",
		},
		[]string{"stage"}, // claimed|claim_lost|done|retry|failed
	)

	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outboxflow_step_duration_seconds",
			Help:    "Step execution latency by op and result",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "result"}, // ok|error
	)

	SchedulerEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outboxflow_scheduler_emitted_total",
			Help: "Synthetic events emitted by trigger kind",
		},
		[]string{"kind"}, // interval|datetime
	)

	ReplayerRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outboxflow_replayer_requeued_total",
			Help: "Stale processing events returned to pending",
		},
	)

	RetentionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outboxflow_retention_total",
			Help: "Events archived or deleted by the sweeper",
		},
		[]string{"action"}, // archived|deleted
	)

	IngestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outboxflow_ingest_total",
			Help: "Inbound events by transport and result",
		},
		[]string{"transport", "result"}, // http|kafka , ok|rejected|error
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		EventsTotal,
		StepDuration,
		SchedulerEmitted,
		ReplayerRequeued,
		RetentionTotal,
		IngestTotal,
	)
}
