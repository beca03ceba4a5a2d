package replication

import "github.com/prometheus/client_golang/prometheus"

var RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "ouroboros_model",
	Subsystem: "replication",
	Name:      "request_duration_seconds",
	Buckets:   prometheus.DefBuckets,
}, []string{"route"})

var RequestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ouroboros_model",
	Subsystem: "replication",
	Name:      "request_errors",
}, []string{"route", "code"})

var ObjectsSent = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "ouroboros_model",
	Subsystem: "replication",
	Name:      "objects_sent",
})

var ObjectsReceived = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "ouroboros_model",
	Subsystem: "replication",
	Name:      "objects_received",
})

var MergeConflicts = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "ouroboros_model",
	Subsystem: "replication",
	Name:      "merge_conflicts",
})

var ClientRetries = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "ouroboros_model",
	Subsystem: "replication",
	Name:      "client_retries",
})

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{RequestDuration, RequestErrors, ObjectsSent, ObjectsReceived, MergeConflicts, ClientRetries}
}
