package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mmproc"

var (
	routedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "events_total",
			Help:      "Ingress events by routing outcome.",
		},
		[]string{"outcome"},
	)
	workerCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "messages_total",
			Help:      "Dispatch envelopes handled by the worker, by outcome.",
		},
		[]string{"outcome"},
	)
	launchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "job_launches_total",
			Help:      "Job launch attempts by scorer type and result.",
		},
		[]string{"scorer_type", "result"},
	)
	completionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "completion",
			Name:      "notifications_total",
			Help:      "Job completion notifications by classification.",
		},
		[]string{"result"},
	)
	retryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "completion",
			Name:      "retry_decisions_total",
			Help:      "Retry decisions taken for failed jobs.",
		},
		[]string{"decision"},
	)
	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "completion",
			Name:      "job_duration_seconds",
			Help:      "Wall time between job start and stop.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"scorer_type", "result"},
	)
	credentialRefreshCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credential",
			Name:      "refresh_total",
			Help:      "Credential fetches by result.",
		},
		[]string{"result"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Entries waiting in a per-key queue and its dead-letter queue.",
		},
		[]string{"queue", "kind"},
	)
)

var registerMetrics sync.Once

// Register adds every collector to reg. Only the first call has effect.
func Register(reg prometheus.Registerer) {
	registerMetrics.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			routedCounter,
			workerCounter,
			launchCounter,
			completionCounter,
			retryCounter,
			jobDuration,
			credentialRefreshCounter,
			queueDepth,
		)
	})
}

func RecordRouted(outcome string) {
	routedCounter.WithLabelValues(outcome).Inc()
}

func RecordWorkerMessage(outcome string) {
	workerCounter.WithLabelValues(outcome).Inc()
}

func RecordLaunch(scorerType string, ok bool) {
	launchCounter.WithLabelValues(scorerType, resultLabel(ok)).Inc()
}

func RecordCompletion(result string) {
	completionCounter.WithLabelValues(result).Inc()
}

func RecordRetryDecision(decision string) {
	retryCounter.WithLabelValues(decision).Inc()
}

// ObserveJobDuration ignores non-positive durations from incomplete timestamps.
func ObserveJobDuration(scorerType string, ok bool, d time.Duration) {
	if d <= 0 {
		return
	}
	jobDuration.WithLabelValues(scorerType, resultLabel(ok)).Observe(d.Seconds())
}

func RecordCredentialRefresh(ok bool) {
	credentialRefreshCounter.WithLabelValues(resultLabel(ok)).Inc()
}

func SetQueueDepth(queue string, ready, deadLettered int64) {
	queueDepth.WithLabelValues(queue, "ready").Set(float64(ready))
	queueDepth.WithLabelValues(queue, "dead_letter").Set(float64(deadLettered))
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
